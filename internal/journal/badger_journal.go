package journal

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var entryPrefix = []byte("entry/")

// badgerJournal is the BadgerDB implementation of Journal. Writes go through
// a single writer goroutine so Append never blocks the caller on disk;
// Entries and Close insert a barrier that waits for everything queued before
// them to land.
type badgerJournal struct {
	db  *badger.DB
	ops chan journalOp

	mu      sync.Mutex
	seq     uint64
	lastErr error

	done chan struct{}
}

type journalOp struct {
	entry   *Entry
	barrier chan struct{} // non-nil marks a flush barrier
}

// NewBadgerJournal opens (or creates) a journal at dir.
func NewBadgerJournal(dir string) (Journal, error) {
	opts := badger.DefaultOptions(dir)
	// Badger's own logging would interleave with ours; errors still surface
	// through the returned values.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	j := &badgerJournal{
		db:   db,
		ops:  make(chan journalOp, 256),
		done: make(chan struct{}),
	}
	if err := j.seedSeq(); err != nil {
		db.Close()
		return nil, err
	}
	go j.writeLoop()
	return j, nil
}

// seedSeq continues numbering after the last entry already on disk, so
// opening an existing journal path appends instead of overwriting.
func (j *badgerJournal) seedSeq() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, entryPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seekKey)
		if it.ValidForPrefix(entryPrefix) {
			key := it.Item().Key()
			j.seq = binary.BigEndian.Uint64(key[len(entryPrefix):])
		}
		return nil
	})
}

// writeLoop is the single writer. Channel order preserves append order, and a
// barrier op observed here means every op queued before it has been written.
func (j *badgerJournal) writeLoop() {
	defer close(j.done)
	for op := range j.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		if err := j.write(op.entry); err != nil {
			j.mu.Lock()
			if j.lastErr == nil {
				j.lastErr = err
			}
			j.mu.Unlock()
		}
	}
}

func (j *badgerJournal) write(entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(entry.Seq), payload)
	})
}

// flush waits for every Append queued so far to reach the store.
func (j *badgerJournal) flush() {
	barrier := make(chan struct{})
	j.ops <- journalOp{barrier: barrier}
	<-barrier
}

// Append implements Journal. The write itself happens on the writer
// goroutine; an error there is reported by the next Entries or Close call.
func (j *badgerJournal) Append(entryType string, data interface{}) error {
	j.mu.Lock()
	j.seq++
	entry := Entry{
		Seq:       j.seq,
		Type:      entryType,
		Timestamp: time.Now(),
		Data:      data,
	}
	j.mu.Unlock()

	j.ops <- journalOp{entry: &entry}
	return nil
}

// Entries implements Journal.
func (j *badgerJournal) Entries() ([]Entry, error) {
	j.flush()
	j.mu.Lock()
	if err := j.lastErr; err != nil {
		j.mu.Unlock()
		return nil, err
	}
	j.mu.Unlock()

	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close implements Journal. It drains queued writes before closing the store
// and surfaces the first background write error, if any.
func (j *badgerJournal) Close() error {
	close(j.ops)
	<-j.done

	j.mu.Lock()
	writeErr := j.lastErr
	j.mu.Unlock()

	if err := j.db.Close(); err != nil {
		if writeErr == nil {
			writeErr = err
		}
	}
	return writeErr
}

// entryKey builds a big-endian sequence key so Badger's iteration order is
// append order.
func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}
