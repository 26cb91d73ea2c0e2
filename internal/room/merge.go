package room

import (
	"github.com/google/uuid"

	"collabtext/internal/crdt"
)

// baseline is a replica of the document as the file last held it. Editing
// it into a newer file version yields an update anchored on characters the
// room already has, so the file's edits merge with the room's unsaved ones
// without dropping either side.
type baseline struct {
	doc *crdt.Doc
}

// newBaseline rebuilds a baseline from an encoded replica state.
func newBaseline(state []byte) (*baseline, error) {
	doc := crdt.NewDoc("file-" + uuid.NewString())
	if len(state) > 0 {
		if err := doc.Apply(state, nil); err != nil {
			return nil, err
		}
	}
	return &baseline{doc: doc}, nil
}

func (b *baseline) text() string { return b.doc.Text() }

// merge folds content into doc and moves the baseline to content. Edits
// doc made since the baseline are kept.
func (b *baseline) merge(doc *crdt.Doc, content string, origin any) error {
	if doc.Text() == content {
		state, err := doc.EncodeState()
		if err != nil {
			return err
		}
		nb, err := newBaseline(state)
		if err != nil {
			return err
		}
		b.doc = nb.doc
		return nil
	}
	update, err := b.doc.Replace(content)
	if err != nil {
		return err
	}
	return doc.Apply(update, origin)
}
