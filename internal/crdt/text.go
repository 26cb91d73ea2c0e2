package crdt

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Replace edits the replica so its text equals content, touching only the
// runs that differ. Concurrent edits outside those runs survive the merge.
func (d *Doc) Replace(content string) ([]byte, error) {
	return d.ReplaceWithOrigin(content, nil)
}

// ReplaceWithOrigin is Replace with the origin observers see.
func (d *Doc) ReplaceWithOrigin(content string, origin any) ([]byte, error) {
	d.mu.Lock()
	visible := d.visible()
	var b strings.Builder
	for _, it := range visible {
		b.WriteString(it.value)
	}
	current := b.String()
	if current == content {
		d.mu.Unlock()
		return EncodeUpdate(Update{})
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(current, content, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var (
		ops    []Op
		anchor ID
		cursor int
	)
	for _, diff := range diffs {
		n := utf8.RuneCountInString(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			for i := 0; i < n; i++ {
				anchor = visible[cursor].id
				cursor++
			}
		case diffmatchpatch.DiffDelete:
			for i := 0; i < n; i++ {
				ops = append(ops, Op{Kind: OpDelete, ID: visible[cursor].id})
				anchor = visible[cursor].id
				cursor++
			}
		case diffmatchpatch.DiffInsert:
			inserted := d.insertOps(anchor, diff.Text)
			if len(inserted) > 0 {
				anchor = inserted[len(inserted)-1].ID
			}
			ops = append(ops, inserted...)
		}
	}
	applied := d.integrate(ops)
	d.mu.Unlock()
	payload, err := EncodeUpdate(Update{Ops: applied})
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		d.notify(Change{Update: payload, Origin: origin})
	}
	return payload, nil
}
