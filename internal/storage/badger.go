package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/statebridge-io/statebridge/internal/core/domain"
)

// statePrefix namespaces persisted state records inside Badger.
const statePrefix = "st:"

// badgerStore is the write-through persistence layer for states.
// Sessions are deliberately not persisted; their lifetime is bound to
// clients, not the process.
type badgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// persistedState is the on-disk record. Binary payloads round-trip
// byte-identical; structured payloads are stored as their JSON document.
type persistedState struct {
	Binary    bool            `json:"binary,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
	Doc       json.RawMessage `json:"doc,omitempty"`
	ExpiresAt int64           `json:"expires_at,omitempty"` // Unix milliseconds, 0 = none
}

func openBadger(dir string, logger *slog.Logger) (*badgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: data dir is required for persistence")
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	logger.Info("state persistence enabled", "dir", dir)
	return &badgerStore{db: db, logger: logger}, nil
}

func (bs *badgerStore) put(id string, e *entry) error {
	rec := persistedState{Binary: e.val.Binary, Raw: e.val.Raw}
	if !e.val.Binary {
		doc, err := json.Marshal(e.val.Doc)
		if err != nil {
			return err
		}
		rec.Doc = doc
	}
	if !e.expiresAt.IsZero() {
		rec.ExpiresAt = e.expiresAt.UnixMilli()
	}

	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statePrefix+id), buf)
	})
}

func (bs *badgerStore) delete(id string) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(statePrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// load iterates all persisted states. Records that fail to decode are
// logged and skipped rather than aborting recovery.
func (bs *badgerStore) load(fn func(id string, e *entry)) error {
	return bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), statePrefix)

			buf, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var rec persistedState
			if err := json.Unmarshal(buf, &rec); err != nil {
				bs.logger.Warn("skipping undecodable persisted state", "id", id, "error", err)
				continue
			}

			e := &entry{}
			if rec.Binary {
				e.val = &domain.Value{Binary: true, Raw: rec.Raw}
			} else {
				var doc any
				if err := json.Unmarshal(rec.Doc, &doc); err != nil {
					bs.logger.Warn("skipping undecodable persisted state", "id", id, "error", err)
					continue
				}
				e.val = &domain.Value{Doc: doc}
			}
			if rec.ExpiresAt != 0 {
				e.expiresAt = time.UnixMilli(rec.ExpiresAt)
			}

			fn(id, e)
		}
		return nil
	})
}

func (bs *badgerStore) Close() error {
	return bs.db.Close()
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
