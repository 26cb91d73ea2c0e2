package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"collabtext/internal/crdt"
	"collabtext/internal/events"
	"collabtext/internal/filebridge"
	"collabtext/internal/metrics"
	"collabtext/internal/updatelog"
)

// load builds the replica from the update log and the file. When both
// exist and disagree the file wins; a log that fails to decode is dropped
// and rebuilt from the file.
func (r *Room) load(ctx context.Context) error {
	var (
		replayed int
		logOK    = r.cfg.Log != nil
		rewrite  bool
	)
	if r.cfg.Log != nil {
		err := r.cfg.Log.Replay(ctx, r.cfg.ID, 0, func(e updatelog.Entry) error {
			replayed++
			return r.doc.Apply(e.Payload, originLog)
		})
		switch {
		case errors.Is(err, crdt.ErrMalformedUpdate), errors.Is(err, updatelog.ErrCorrupt):
			r.logger.Warn("update log is corrupt, rebuilding it", "error", err)
			r.doc = crdt.NewDoc(r.doc.Peer())
			replayed = 0
			rewrite = true
		case err != nil:
			r.logger.Error("update log replay failed", "error", err)
			r.doc = crdt.NewDoc(r.doc.Peer())
			replayed = 0
			logOK = false
		}
	}

	action := events.ActionLoad
	if b := r.cfg.Bridge; b != nil {
		content, _, err := b.Load(ctx)
		if err != nil {
			return fmt.Errorf("room %s: load file: %w", r.cfg.ID, err)
		}
		switch {
		case replayed == 0:
			action = events.ActionInitialize
			if content != "" {
				if _, err := r.doc.ReplaceWithOrigin(content, originFile); err != nil {
					return fmt.Errorf("room %s: initialize: %w", r.cfg.ID, err)
				}
				rewrite = true
			}
		case r.doc.Text() != content:
			r.logger.Info("file differs from update log, using the file")
			action = events.ActionOverwrite
			if _, err := r.doc.ReplaceWithOrigin(content, originFile); err != nil {
				return fmt.Errorf("room %s: overwrite: %w", r.cfg.ID, err)
			}
			rewrite = true
		}
		state, err := r.doc.EncodeState()
		if err != nil {
			return fmt.Errorf("room %s: snapshot: %w", r.cfg.ID, err)
		}
		if r.base, err = newBaseline(state); err != nil {
			return fmt.Errorf("room %s: baseline: %w", r.cfg.ID, err)
		}
	} else if replayed == 0 && !rewrite {
		return nil
	}

	if logOK && rewrite {
		if err := r.compactLog(ctx); err != nil {
			r.logger.Warn("update log rewrite failed", "error", err)
		}
	}
	r.logger.Info("room loaded", "replayed", replayed, "action", string(action))
	r.emit(action, "info", "")
	return nil
}

// startFlush begins a save in the background unless one is running.
func (r *Room) startFlush() {
	if r.cfg.Bridge == nil || !r.dirty {
		return
	}
	if r.saving || r.reloading {
		r.flushAgain = true
		return
	}
	r.saving = true
	r.settle()
	go r.flush(r.ctx)
}

// flush writes the replica to the file. Edits made to the file since the
// last load or save are merged in first, so the write never discards them.
func (r *Room) flush(ctx context.Context) {
	b := r.cfg.Bridge
	start := time.Now()
	var saved []byte
	op := func() error {
		changed, err := b.Changed(ctx)
		if err != nil {
			return err
		}
		if changed {
			content, _, err := b.Load(ctx)
			if err != nil {
				return err
			}
			if err := r.Do(ctx, func(*crdt.Doc) { r.mergeExternal(content) }); err != nil {
				return backoff.Permanent(err)
			}
		}
		var (
			text   string
			state  []byte
			encErr error
		)
		if err := r.Do(ctx, func(doc *crdt.Doc) {
			text = doc.Text()
			state, encErr = doc.EncodeState()
			r.dirty = false
		}); err != nil {
			return backoff.Permanent(err)
		}
		if encErr != nil {
			return backoff.Permanent(encErr)
		}
		if _, err := b.Save(ctx, text); err != nil {
			if errors.Is(err, filebridge.ErrNotWritable) {
				return backoff.Permanent(err)
			}
			return err
		}
		saved = state
		return nil
	}
	err := backoff.RetryNotify(op, r.backoffPolicy(ctx, r.cfg.SaveRetries), func(err error, wait time.Duration) {
		r.logger.Warn("save failed, retrying", "error", err, "wait", wait)
	})
	metrics.SaveDuration.Observe(time.Since(start).Seconds())
	select {
	case r.flushDone <- flushResult{state: saved, err: err}:
	case <-r.done:
	}
}

func (r *Room) finishFlush(res flushResult) {
	r.saving = false
	if res.err != nil {
		r.dirty = true
		metrics.Saves.WithLabelValues("error").Inc()
		r.logger.Error("save failed", "error", res.err)
		r.broadcast(mustEncode(Message{Type: MsgNotice, Notice: &Notice{Kind: NoticeSaveFailed, Reason: res.err.Error()}}), nil)
		r.emit(events.ActionSave, "warn", res.err.Error())
		r.publish(Event{Kind: EventSaveFailed, Err: res.err})
	} else {
		if base, err := newBaseline(res.state); err != nil {
			r.logger.Error("rebuild file baseline failed", "error", err)
		} else {
			r.base = base
		}
		metrics.Saves.WithLabelValues("ok").Inc()
		r.logger.Debug("saved")
		r.emit(events.ActionSave, "info", "")
		r.publish(Event{Kind: EventSaved})
	}

	if r.closing {
		r.tryFinalize()
		return
	}
	switch {
	case res.err != nil && errors.Is(res.err, filebridge.ErrNotWritable):
		// Stays dirty; the next edit arms another attempt.
	case r.flushAgain || (r.dirty && r.saveC == nil):
		r.flushAgain = false
		r.armSave()
	}
	r.settle()
}

// reloadExternal pulls in a file edit reported by the watcher. A running
// flush reconciles on its own before writing.
func (r *Room) reloadExternal() {
	if r.saving || r.reloading || r.cfg.Bridge == nil {
		return
	}
	r.reloading = true
	go func() {
		content, _, err := r.cfg.Bridge.Load(r.ctx)
		r.Post(func(*crdt.Doc) {
			r.reloading = false
			if err != nil {
				r.logger.Warn("reload after external change failed", "error", err)
			} else {
				r.mergeExternal(content)
			}
			if r.closing {
				r.tryFinalize()
				return
			}
			if r.flushAgain {
				r.flushAgain = false
				r.armSave()
			}
		})
	}()
}

// mergeExternal folds the file's new content into the replica. Edits the
// room made since the last load or save are kept.
func (r *Room) mergeExternal(content string) {
	if r.base == nil {
		return
	}
	if err := r.base.merge(r.doc, content, originFile); err != nil {
		r.logger.Error("merge external change failed", "error", err)
		return
	}
	if r.doc.Text() == content {
		r.dirty = false
	}
	metrics.Reconciliations.Inc()
	r.logger.Info("merged external file change")
	r.emit(events.ActionOverwrite, "info", "merged external change")
}
