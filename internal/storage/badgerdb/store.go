package badgerdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Skufu/CardioTriage/internal/ledger"
	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	a/<id>                     -> JSON assessment
//	t/<unix nanos BE><id>      -> id, ordered by timestamp
var (
	recordPrefix = []byte("a/")
	timePrefix   = []byte("t/")
)

const maxConflictRetries = 5

// Store is a ledger.Store on BadgerDB. Each insert is one transaction, so a
// record and its time index become visible together.
type Store struct {
	db *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func recordKey(id string) []byte {
	return append(append([]byte{}, recordPrefix...), id...)
}

// timeKey orders by timestamp. Callers reject instants outside
// ledger.CheckTimestamp, whose nanoseconds fit an unsigned big-endian key.
func timeKey(a ledger.Assessment) []byte {
	k := make([]byte, 0, len(timePrefix)+8+len(a.ID))
	k = append(k, timePrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(a.Timestamp.UnixNano()))
	return append(k, a.ID...)
}

func (s *Store) Insert(ctx context.Context, a ledger.Assessment) error {
	written, err := s.insert(ctx, a)
	if err != nil {
		return err
	}
	if !written {
		return ledger.ErrDuplicateID
	}
	return nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, a ledger.Assessment) (bool, error) {
	return s.insert(ctx, a)
}

// insert checks for the id and writes inside one update transaction.
// Badger aborts a transaction whose reads were invalidated by a concurrent
// commit, so the check cannot race with another writer.
func (s *Store) insert(ctx context.Context, a ledger.Assessment) (bool, error) {
	if err := ledger.CheckTimestamp(a.Timestamp); err != nil {
		return false, err
	}
	val, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode assessment: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		written := false
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(recordKey(a.ID))
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			if err := txn.Set(recordKey(a.ID), val); err != nil {
				return err
			}
			if err := txn.Set(timeKey(a), []byte(a.ID)); err != nil {
				return err
			}
			written = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("badger insert: %w", err)
		}
		return written, nil
	}
}

func (s *Store) Recent(ctx context.Context, limit int) ([]ledger.Assessment, error) {
	out := make([]ledger.Assessment, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = timePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, timePrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(timePrefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(recordKey(string(id)))
			if err != nil {
				return fmt.Errorf("load assessment %s: %w", id, err)
			}
			var a ledger.Assessment
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				return fmt.Errorf("decode assessment %s: %w", id, err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Scan(ctx context.Context, fn func(ledger.Assessment) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(recordPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var a ledger.Assessment
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				return fmt.Errorf("decode assessment %s: %w", it.Item().Key(), err)
			}
			if err := fn(a); err != nil {
				return err
			}
		}
		return nil
	})
}
