package torrent

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dgraph-io/badger/v2"
)

var _ Store = (*BadgerStore)(nil)

// BadgerStore is the durable store for processed items, backed by BadgerDB.
// It spares the post-processor from re-fetching .torrent bodies across
// searches and restarts.
type BadgerStore struct {
	db        *badger.DB
	keyPrefix string
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{
		db:        db,
		keyPrefix: "torrentitem:",
	}
}

// GetItem implements the Store interface.
func (s *BadgerStore) GetItem(id string) (Item, bool, error) {
	var item Item
	found, err := gobGet(s.db, s.keyPrefix+id, &item)
	return item, found, err
}

// SetItem implements the Store interface.
func (s *BadgerStore) SetItem(id string, item Item) error {
	return gobSet(s.db, s.keyPrefix+id, item)
}

func gobSet(db *badger.DB, key string, item interface{}) error {
	writer := bytes.Buffer{}
	encoder := gob.NewEncoder(&writer)
	if err := encoder.Encode(item); err != nil {
		return fmt.Errorf("Couldn't encode item: %v", err)
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), writer.Bytes())
	})
}

func gobGet(db *badger.DB, key string, target interface{}) (bool, error) {
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			reader := bytes.NewReader(val)
			decoder := gob.NewDecoder(reader)
			if err := decoder.Decode(target); err != nil {
				return fmt.Errorf("Couldn't decode item: %v", err)
			}
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	} else if err != nil {
		return true, err
	}
	return true, nil
}
