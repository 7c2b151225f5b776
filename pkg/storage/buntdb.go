package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"
)

const newsKeyPrefix = "news:"

// BuntLedger implements core.NewsLedger using BuntDB. Entries expire after
// the configured TTL so the file does not grow without bound.
type BuntLedger struct {
	db  *buntdb.DB
	ttl time.Duration
}

// LedgerFromMemory creates an in-memory ledger
func LedgerFromMemory(ttl time.Duration) (*BuntLedger, error) {
	return NewBuntLedger(":memory:", ttl)
}

// LedgerFromFile creates a file-backed ledger
func LedgerFromFile(file string, ttl time.Duration) (*BuntLedger, error) {
	return NewBuntLedger(file, ttl)
}

// NewBuntLedger opens a BuntDB ledger. A zero ttl keeps entries forever.
func NewBuntLedger(sourceFile string, ttl time.Duration) (*BuntLedger, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	return &BuntLedger{
		db:  db,
		ttl: ttl,
	}, nil
}

func newsKey(id int64) string {
	return newsKeyPrefix + strconv.FormatInt(id, 10)
}

// Seen reports whether the news item was already delivered
func (b *BuntLedger) Seen(id int64) bool {
	err := b.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(newsKey(id))
		return err
	})

	return err == nil
}

// MarkSeen records the items as delivered
func (b *BuntLedger) MarkSeen(ids ...int64) error {
	var options *buntdb.SetOptions
	if b.ttl > 0 {
		options = &buntdb.SetOptions{Expires: true, TTL: b.ttl}
	}

	return b.db.Update(func(tx *buntdb.Tx) error {
		stamp := time.Now().UTC().Format(time.RFC3339)
		for _, id := range ids {
			if _, _, err := tx.Set(newsKey(id), stamp, options); err != nil {
				return fmt.Errorf("failed to record news %d: %w", id, err)
			}
		}

		return nil
	})
}

// Close closes the database connection
func (b *BuntLedger) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
