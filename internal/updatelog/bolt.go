package updatelog

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/internal/codec"
)

var rootBucket = []byte("updates")

type boltRecord struct {
	Payload    []byte `cbor:"1,keyasint"`
	RecordedAt int64  `cbor:"2,keyasint"`
}

// Bolt keeps the log in a bbolt file, one nested bucket per document key.
type Bolt struct {
	path string
	db   *bolt.DB
}

// NewBolt returns a backend for the bbolt file at path.
func NewBolt(path string) *Bolt {
	return &Bolt{path: path}
}

// Open implements Backend.
func (b *Bolt) Open(ctx context.Context) error {
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open bolt file: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		db.Close()
		return err
	}
	b.db = db
	return nil
}

// Append implements Backend.
func (b *Bolt) Append(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error) {
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		seq, err = bucket.NextSequence()
		if err != nil {
			return err
		}
		return putRecord(bucket, seq, payload, at)
	})
	return seq, err
}

// Scan implements Backend.
func (b *Bolt) Scan(ctx context.Context, key string, after uint64, fn func(Entry) error) error {
	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rootBucket).Bucket([]byte(key))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			var rec boltRecord
			if err := codec.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: %s entry %d: %v", ErrCorrupt, key, binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, Entry{
				Key:        key,
				Sequence:   binary.BigEndian.Uint64(k),
				Payload:    rec.Payload,
				RecordedAt: time.Unix(0, rec.RecordedAt).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Replace implements Backend.
func (b *Bolt) Replace(ctx context.Context, key string, payload []byte, at time.Time) (uint64, error) {
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		var stale [][]byte
		if err := bucket.ForEach(func(k, _ []byte) error {
			stale = append(stale, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		seq, err = bucket.NextSequence()
		if err != nil {
			return err
		}
		return putRecord(bucket, seq, payload, at)
	})
	return seq, err
}

// Close implements Backend.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func putRecord(bucket *bolt.Bucket, seq uint64, payload []byte, at time.Time) error {
	v, err := codec.Marshal(boltRecord{Payload: payload, RecordedAt: at.UnixNano()})
	if err != nil {
		return err
	}
	return bucket.Put(seqKey(seq), v)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
