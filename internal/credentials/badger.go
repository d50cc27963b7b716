package credentials

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "cred/"

// BadgerStore keeps credentials encrypted at rest in a Badger KV.
type BadgerStore struct {
	db *badger.DB
}

type OpenOptions struct {
	Path string
	// EncryptionKey must be 32 bytes; empty opens the store unencrypted.
	EncryptionKey []byte
	ReadOnly      bool
}

func OpenBadger(opts OpenOptions) (*BadgerStore, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("credentials: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// Encrypted workloads need an index cache.
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) Put(ref string, c Credentials) error {
	if s == nil || s.db == nil {
		return errors.New("credentials: store not opened")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("credentials: ref is empty")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+ref), raw)
	})
}

func (s *BadgerStore) Delete(ref string) error {
	if s == nil || s.db == nil {
		return errors.New("credentials: store not opened")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + strings.TrimSpace(ref)))
	})
}

func (s *BadgerStore) Resolve(_ context.Context, ref string) (Credentials, error) {
	if s == nil || s.db == nil {
		return Credentials{}, errors.New("credentials: store not opened")
	}
	ref = strings.TrimSpace(ref)
	var out Credentials
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + ref))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Credentials{}, err
	}
	if !out.Valid() {
		return Credentials{}, fmt.Errorf("%w: %s (incomplete)", ErrNotFound, ref)
	}
	return out, nil
}

// ParseKey accepts a 32-byte key as hex (optionally 0x-prefixed) or base64. Empty input returns nil.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	return b, nil
}
