package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Change is delivered to observers after an update changed the replica.
// Update holds only the operations that were newly integrated.
type Change struct {
	Update []byte
	Origin any
}

type item struct {
	id      ID
	origin  ID
	value   string
	deleted bool
}

// Doc is one replica of the text sequence. It is safe for concurrent use,
// but rooms still route every mutation through their own queue so observers
// see changes in a single order.
type Doc struct {
	mu      sync.Mutex
	peer    string
	clock   uint64
	items   []*item
	index   map[ID]*item
	vector  StateVector
	pending []Op

	obsMu     sync.Mutex
	observers []observer
	nextObs   int
}

type observer struct {
	id int
	fn func(Change)
}

// NewDoc returns an empty replica editing as peer. An empty peer gets a
// random one.
func NewDoc(peer string) *Doc {
	if peer == "" {
		peer = uuid.NewString()
	}
	return &Doc{
		peer:   peer,
		index:  make(map[ID]*item),
		vector: make(StateVector),
	}
}

// Peer returns the peer name local edits are attributed to.
func (d *Doc) Peer() string { return d.peer }

// Observe registers fn to run after every update that changed the replica.
// The returned function removes the observer.
func (d *Doc) Observe(fn func(Change)) (dispose func()) {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.obsMu.Unlock()
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// Apply merges an encoded update into the replica. Operations whose
// dependencies have not arrived yet are buffered until they do, so updates
// are never rejected for ordering reasons.
func (d *Doc) Apply(payload []byte, origin any) error {
	u, err := DecodeUpdate(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	applied := d.integrate(u.Ops)
	d.mu.Unlock()
	return d.emit(applied, origin)
}

// Insert adds text at the visible rune position pos and returns the update
// describing the edit.
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	d.mu.Lock()
	visible := d.visible()
	if pos < 0 || pos > len(visible) {
		d.mu.Unlock()
		return nil, fmt.Errorf("crdt: insert position %d out of range [0,%d]", pos, len(visible))
	}
	var anchor ID
	if pos > 0 {
		anchor = visible[pos-1].id
	}
	ops := d.insertOps(anchor, text)
	applied := d.integrate(ops)
	d.mu.Unlock()
	return d.encodeAndEmit(applied)
}

// Delete removes n visible runes starting at pos.
func (d *Doc) Delete(pos, n int) ([]byte, error) {
	d.mu.Lock()
	visible := d.visible()
	if pos < 0 || n < 0 || pos+n > len(visible) {
		d.mu.Unlock()
		return nil, fmt.Errorf("crdt: delete range [%d,%d) out of range [0,%d]", pos, pos+n, len(visible))
	}
	ops := make([]Op, 0, n)
	for _, it := range visible[pos : pos+n] {
		ops = append(ops, Op{Kind: OpDelete, ID: it.id})
	}
	applied := d.integrate(ops)
	d.mu.Unlock()
	return d.encodeAndEmit(applied)
}

// Text returns the visible content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteString(it.value)
		}
	}
	return b.String()
}

// StateVector returns a copy of the replica's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone()
}

// EncodeState returns an update that rebuilds this replica from empty.
func (d *Doc) EncodeState() ([]byte, error) {
	return d.EncodeStateSince(nil)
}

// EncodeStateSince returns the inserts a replica at sv is missing, together
// with every known delete. Deletes are idempotent, so resending them is
// harmless.
func (d *Doc) EncodeStateSince(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	var u Update
	var deletes []Op
	for _, it := range d.items {
		if !sv.Covers(it.id) {
			u.Ops = append(u.Ops, Op{Kind: OpInsert, ID: it.id, Origin: it.origin, Value: it.value})
		}
		if it.deleted {
			deletes = append(deletes, Op{Kind: OpDelete, ID: it.id})
		}
	}
	u.Ops = append(u.Ops, deletes...)
	u.Ops = append(u.Ops, d.pending...)
	d.mu.Unlock()
	return EncodeUpdate(u)
}

// Pending reports how many operations are waiting for their dependencies.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// insertOps builds a chain of inserts for text following anchor.
// Callers hold d.mu.
func (d *Doc) insertOps(anchor ID, text string) []Op {
	ops := make([]Op, 0, len(text))
	for _, r := range text {
		d.clock++
		id := ID{Clock: d.clock, Peer: d.peer}
		ops = append(ops, Op{Kind: OpInsert, ID: id, Origin: anchor, Value: string(r)})
		anchor = id
	}
	return ops
}

func (d *Doc) visible() []*item {
	out := make([]*item, 0, len(d.items))
	for _, it := range d.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

// integrate applies ops and any buffered ops they unblock. It returns the
// operations that changed the replica, in application order.
func (d *Doc) integrate(ops []Op) []Op {
	queue := append(d.pending, ops...)
	d.pending = nil
	var applied []Op
	for {
		progress := false
		var blocked []Op
		for _, op := range queue {
			ok, changed := d.integrateOne(op)
			if !ok {
				blocked = append(blocked, op)
				continue
			}
			progress = true
			if changed {
				applied = append(applied, op)
			}
		}
		queue = blocked
		if !progress || len(queue) == 0 {
			break
		}
	}
	d.pending = queue
	return applied
}

// integrateOne reports whether op's dependencies were present and whether
// applying it changed the replica.
func (d *Doc) integrateOne(op Op) (ok, changed bool) {
	switch op.Kind {
	case OpInsert:
		if _, exists := d.index[op.ID]; exists {
			return true, false
		}
		pos := 0
		if !op.Origin.IsZero() {
			if _, known := d.index[op.Origin]; !known {
				return false, false
			}
			pos = d.position(op.Origin) + 1
		}
		for pos < len(d.items) && op.ID.Less(d.items[pos].id) {
			pos++
		}
		it := &item{id: op.ID, origin: op.Origin, value: op.Value}
		d.items = append(d.items, nil)
		copy(d.items[pos+1:], d.items[pos:])
		d.items[pos] = it
		d.index[op.ID] = it
		if op.ID.Clock > d.vector[op.ID.Peer] {
			d.vector[op.ID.Peer] = op.ID.Clock
		}
		if op.ID.Clock > d.clock {
			d.clock = op.ID.Clock
		}
		return true, true
	case OpDelete:
		it, known := d.index[op.ID]
		if !known {
			return false, false
		}
		if it.deleted {
			return true, false
		}
		it.deleted = true
		return true, true
	}
	return true, false
}

func (d *Doc) position(id ID) int {
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

func (d *Doc) encodeAndEmit(applied []Op) ([]byte, error) {
	payload, err := EncodeUpdate(Update{Ops: applied})
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		d.notify(Change{Update: payload})
	}
	return payload, nil
}

func (d *Doc) emit(applied []Op, origin any) error {
	if len(applied) == 0 {
		return nil
	}
	payload, err := EncodeUpdate(Update{Ops: applied})
	if err != nil {
		return err
	}
	d.notify(Change{Update: payload, Origin: origin})
	return nil
}

func (d *Doc) notify(c Change) {
	d.obsMu.Lock()
	fns := make([]func(Change), 0, len(d.observers))
	for _, o := range d.observers {
		fns = append(fns, o.fn)
	}
	d.obsMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
