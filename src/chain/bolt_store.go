package chain

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	metaTipKey   = []byte("tip")
)

// BoltStore implements the Store interface on top of a bbolt database. It is
// a lighter-weight alternative to Badger for small deployments: a single
// file, no background compaction.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens or creates a bbolt database at path and seeds it with
// the genesis block when empty.
func NewBoltStore(genesis *Block, path string) (*BoltStore, error) {
	handle, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	err = handle.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})

	if err != nil {
		handle.Close()
		return nil, &StorageError{Op: "init buckets", Err: err}
	}

	store := &BoltStore{
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
func (s *BoltStore) GetBlock(height uint64) (*Block, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blocksBucket).Get(heightBytes(height))
		if raw == nil {
			return ErrNotFound
		}

		data = append([]byte(nil), raw...)

		return nil
	})

	if err == ErrNotFound {
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
func (s *BoltStore) PutBlock(b *Block) error {
	data, err := b.Marshal()
	if err != nil {
		return &StorageError{Op: "encode block", Err: err}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blocksBucket).Put(heightBytes(b.Height), data); err != nil {
			return err
		}

		meta := tx.Bucket(metaBucket)

		if tip := meta.Get(metaTipKey); tip == nil || binary.BigEndian.Uint64(tip) <= b.Height {
			return meta.Put(metaTipKey, heightBytes(b.Height))
		}

		return nil
	})

	if err != nil {
		return &StorageError{Op: "put block", Err: err}
	}

	return nil
}

// DeleteFrom implements the Store interface.
func (s *BoltStore) DeleteFrom(height uint64) error {
	tip, err := s.TipHeight()
	if err != nil {
		return err
	}

	if height > tip {
		return nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(blocksBucket)

		for h := height; h <= tip; h++ {
			if err := blocks.Delete(heightBytes(h)); err != nil {
				return err
			}
		}

		meta := tx.Bucket(metaBucket)

		if height == 0 {
			return meta.Delete(metaTipKey)
		}

		return meta.Put(metaTipKey, heightBytes(height-1))
	})

	if err != nil {
		return &StorageError{Op: "delete blocks", Err: err}
	}

	return nil
}

// TipHeight implements the Store interface.
func (s *BoltStore) TipHeight() (uint64, error) {
	var tip uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(metaTipKey)
		if raw != nil {
			tip = binary.BigEndian.Uint64(raw)
		}

		return nil
	})

	if err != nil {
		return 0, &StorageError{Op: "get tip", Err: err}
	}

	return tip, nil
}

// Close implements the Store interface.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BoltStore) StorePath() string {
	return s.path
}
