package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const noncePrefix = "nonce:"

// LevelDBNoncePersistence provides a LevelDB-backed NoncePersistence
// implementation so replay protection survives gateway restarts.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at the
// provided path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records a nonce usage if it has not been observed previously.
// It reports true when the nonce was already present.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, apiKey, timestamp, nonce string, observed time.Time) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	apiKey = strings.TrimSpace(apiKey)
	timestamp = strings.TrimSpace(timestamp)
	nonce = strings.TrimSpace(nonce)
	if apiKey == "" || timestamp == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	if observed.IsZero() {
		observed = time.Now()
	}
	key := []byte(noncePrefix + strings.Join([]string{apiKey, timestamp, nonce}, "|"))
	_, err := p.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		return true, nil
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(observed.UTC().UnixNano()))
	if err := p.db.Put(key, value, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// Prune deletes entries observed before the provided cutoff time.
func (p *LevelDBNoncePersistence) Prune(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffNanos := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(noncePrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		value := iter.Value()
		if len(value) != 8 {
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		observed := int64(binary.BigEndian.Uint64(value))
		if observed < cutoffNanos {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}
