package chain

import (
	"encoding/binary"

	"github.com/dgraph-io/badger"
)

const (
	blockPrefix = "block"
	tipKey      = "tip"
)

// BadgerStore implements the Store interface on top of a Badger database.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens or creates a Badger database at path and seeds it
// with the genesis block when empty.
func NewBadgerStore(genesis *Block, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	store := &BadgerStore{
		db:   handle,
		path: path,
	}

	if _, err := store.GetBlock(genesis.Height); err == ErrNotFound {
		if err := store.PutBlock(genesis); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return store, nil
}

// GetBlock implements the Store interface.
func (s *BadgerStore) GetBlock(height uint64) (*Block, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(height))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)

		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, &StorageError{Op: "get block", Err: err}
	}

	block := new(Block)
	if err := block.Unmarshal(data); err != nil {
		return nil, &StorageError{Op: "decode block", Err: err}
	}

	return block, nil
}

// PutBlock implements the Store interface.
func (s *BadgerStore) PutBlock(b *Block) error {
	data, err := b.Marshal()
	if err != nil {
		return &StorageError{Op: "encode block", Err: err}
	}

	tip, err := s.TipHeight()
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blockKey(b.Height), data); err != nil {
			return err
		}

		if b.Height >= tip {
			return txn.Set([]byte(tipKey), heightBytes(b.Height))
		}

		return nil
	})

	if err != nil {
		return &StorageError{Op: "put block", Err: err}
	}

	return nil
}

// DeleteFrom implements the Store interface.
func (s *BadgerStore) DeleteFrom(height uint64) error {
	tip, err := s.TipHeight()
	if err != nil {
		return err
	}

	if height > tip {
		return nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for h := height; h <= tip; h++ {
			if err := txn.Delete(blockKey(h)); err != nil {
				return err
			}
		}

		if height == 0 {
			return txn.Delete([]byte(tipKey))
		}

		return txn.Set([]byte(tipKey), heightBytes(height-1))
	})

	if err != nil {
		return &StorageError{Op: "delete blocks", Err: err}
	}

	return nil
}

// TipHeight implements the Store interface.
func (s *BadgerStore) TipHeight() (uint64, error) {
	var tip uint64

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tipKey))
		if err != nil {
			return err
		}

		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		tip = binary.BigEndian.Uint64(data)

		return nil
	})

	if err == badger.ErrKeyNotFound {
		return 0, nil
	}

	if err != nil {
		return 0, &StorageError{Op: "get tip", Err: err}
	}

	return tip, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

func blockKey(height uint64) []byte {
	key := make([]byte, 0, len(blockPrefix)+8)
	key = append(key, blockPrefix...)
	key = append(key, heightBytes(height)...)

	return key
}

func heightBytes(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)

	return buf[:]
}
