// Package events emits fire-and-forget notifications about room activity.
// Emitters never block the caller and never report failures back.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action names what happened to a document.
type Action string

const (
	ActionInitialize Action = "initialize"
	ActionLoad       Action = "load"
	ActionSave       Action = "save"
	ActionOverwrite  Action = "overwrite"
	ActionClean      Action = "clean"
	ActionFork       Action = "fork"
	ActionMerge      Action = "merge"
)

// Event is one notification.
type Event struct {
	Room   string    `json:"room"`
	Path   string    `json:"path,omitempty"`
	Action Action    `json:"action"`
	Level  string    `json:"level,omitempty"`
	Msg    string    `json:"msg,omitempty"`
	Time   time.Time `json:"time"`
}

// Logger receives events.
type Logger interface {
	Emit(ctx context.Context, e Event)
}

// Slog writes events to a structured logger.
type Slog struct {
	Logger *slog.Logger
}

// Emit implements Logger.
func (s Slog) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if e.Level == "warn" {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "document event", "room", e.Room, "path", e.Path, "action", string(e.Action), "msg", e.Msg)
}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedis returns a Redis emitter publishing on channel.
func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, channel: channel, logger: logger, timeout: 2 * time.Second}
}

// Emit implements Logger. Publishing happens in the background.
func (r *Redis) Emit(_ context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("event encode failed", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			r.logger.Warn("error publishing event to Redis", "channel", r.channel, "error", err)
		}
	}()
}

// Multi fans an event out to several loggers.
type Multi []Logger

// Emit implements Logger.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, l := range m {
		l.Emit(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

// Emit implements Logger.
func (Discard) Emit(context.Context, Event) {}

// Recorder keeps events in memory. Tests use it to assert on emissions.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a Recorder buffering up to n events.
func NewRecorder(n int) *Recorder { return &Recorder{ch: make(chan Event, n)} }

// Emit implements Logger. Events beyond the buffer are dropped.
func (r *Recorder) Emit(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Events returns the channel recorded events arrive on.
func (r *Recorder) Events() <-chan Event { return r.ch }
