// Package blockstore provides the content-addressed byte store keyed
// by ObjectId (spec §4.2). It is the mechanical layer: it knows
// nothing about Directory/Blob typing or refcounts, only that a block
// is an opaque byte string whose key must equal its SHA-256.
package blockstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objerr"
)

// KeyPrefix is the badger key prefix every block is stored under.
// Exposed so other components sharing the same *badger.DB (objectstore's
// Sweep) can range-scan every stored block without duplicating the
// prefix constant.
const KeyPrefix = "obj:block:"

// compressThreshold is the block size above which Store applies zstd
// before writing; small blocks aren't worth the framing overhead.
const compressThreshold = 4096

const (
	flagRaw        byte = 0x00
	flagCompressed byte = 0x01
)

// Store is a BlockStore backed by badger. Multiple Stores may share a
// single *badger.DB with other components (ObjectStore's refcount
// ledger, the Index) by using disjoint key prefixes, following
// internal/wal's prefixed-key convention in the teacher repo this was
// adapted from.
type Store struct {
	db *badger.DB

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New wraps an already-open badger.DB. The caller owns the DB's
// lifecycle (open/close); Store never closes it.
func New(db *badger.DB) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("blockstore: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blockstore: new zstd decoder: %w", err)
	}
	return &Store{db: db, encoder: enc, decoder: dec}, nil
}

func blockKey(id objectid.ID) []byte {
	return Key(id)
}

// Key returns the badger key under which id's block is stored. Other
// components sharing the same *badger.DB (objectstore's refcount
// ledger deletes a block in the same transaction it zeroes a
// refcount) use this instead of duplicating the prefix.
func Key(id objectid.ID) []byte {
	return []byte(KeyPrefix + id.String())
}

// Store persists block under id. Storing the same (id, bytes) pair
// twice is a no-op — content addressing makes it idempotent.
func (s *Store) Store(ctx context.Context, id objectid.ID, block []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if got := objectid.SumBlock(block); !got.Equal(id) {
		return objerr.New(objerr.Corruption, "blockstore.Store",
			fmt.Errorf("block hash %s does not match key %s", got, id))
	}

	payload := block
	flag := flagRaw
	if len(block) > compressThreshold {
		payload = s.encoder.EncodeAll(block, nil)
		flag = flagCompressed
	}

	value := make([]byte, 0, len(payload)+1)
	value = append(value, flag)
	value = append(value, payload...)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(id), value)
	})
	if err != nil {
		return objerr.New(objerr.IO, "blockstore.Store", err)
	}
	return nil
}

// Load retrieves the block stored under id. It recomputes the hash of
// the decoded bytes and rejects a mismatch with Corruption, enforcing
// I1 regardless of which layer produced the mismatch.
func (s *Store) Load(ctx context.Context, id objectid.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, objerr.New(objerr.Missing, "blockstore.Load", fmt.Errorf("object %s not found", id))
	}
	if err != nil {
		return nil, objerr.New(objerr.IO, "blockstore.Load", err)
	}

	if len(value) == 0 {
		return nil, objerr.New(objerr.Corruption, "blockstore.Load", fmt.Errorf("empty stored value for %s", id))
	}
	flag, payload := value[0], value[1:]

	var block []byte
	switch flag {
	case flagRaw:
		block = payload
	case flagCompressed:
		decoded, err := s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, objerr.New(objerr.Corruption, "blockstore.Load", fmt.Errorf("zstd decode %s: %w", id, err))
		}
		block = decoded
	default:
		return nil, objerr.New(objerr.Corruption, "blockstore.Load", fmt.Errorf("unknown storage flag 0x%02x for %s", flag, id))
	}

	if got := objectid.SumBlock(block); !got.Equal(id) {
		return nil, objerr.New(objerr.Corruption, "blockstore.Load", fmt.Errorf("stored block %s hashes to %s", id, got))
	}
	return block, nil
}

// Exists reports whether a block is stored under id.
func (s *Store) Exists(ctx context.Context, id objectid.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, objerr.New(objerr.IO, "blockstore.Exists", err)
	}
	return found, nil
}

// Remove deletes the block stored under id. Remove is only legal once
// the ObjectStore's refcount logic has authorized it; BlockStore
// itself performs no liveness check (spec §4.2).
func (s *Store) Remove(ctx context.Context, id objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(id))
	})
	if err != nil {
		return objerr.New(objerr.IO, "blockstore.Remove", err)
	}
	return nil
}
