// Package ledger records completed and failed transfers to a local
// BoltDB file. It is a durability aid for operators (what transferred,
// when, from which peer) and is never consulted to resume a transfer —
// resumption across a server restart is out of scope.
package ledger

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketTransfers = []byte("transfers")

// Record is one completed or failed transfer, keyed by a monotonically
// increasing sequence number so History returns entries in commit order.
type Record struct {
	Peer       string    `json:"peer"`
	Path       string    `json:"path"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
}

// Ledger wraps a BoltDB handle holding the transfer-history bucket.
type Ledger struct {
	db *bolt.DB
}

// Open creates or opens the ledger file at path, creating its bucket if
// absent.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketTransfers)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database file.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordCompleted appends a successful-transfer entry for peer/path. A
// write failure here is logged by the caller, not surfaced to the peer —
// the ledger is an observability aid, not part of the protocol's
// correctness.
func (l *Ledger) RecordCompleted(peer, path string) error {
	return l.append(Record{Peer: peer, Path: path, FinishedAt: time.Now(), Success: true})
}

// RecordFailed appends a failed-transfer entry with the terminal reason.
func (l *Ledger) RecordFailed(peer, path, reason string) error {
	return l.append(Record{Peer: peer, Path: path, FinishedAt: time.Now(), Success: false, Reason: reason})
}

func (l *Ledger) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTransfers)
		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}
		return bk.Put(seqKey(seq), data)
	})
}

// History returns every recorded transfer in commit order, oldest first.
func (l *Ledger) History() ([]Record, error) {
	var records []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketTransfers)
		return bk.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(seq)
		seq >>= 8
	}
	return buf
}
