package repositories

import (
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

type IUserRepository interface {
	SetLastSeen(identity string, lastSeen *uint64) error
	GetLastSeen(identity string) (*uint64, error)
}

// UserRepository keeps the presence side of an account: its last-seen time.
// No entry means the user is online, or has never connected.
type UserRepository struct {
	db *badger.DB
}

func NewUserRepository(db *badger.DB) IUserRepository {
	return &UserRepository{db: db}
}

// SetLastSeen stores lastSeen as epoch milliseconds, or clears it when nil.
func (u UserRepository) SetLastSeen(identity string, lastSeen *uint64) error {
	key := lastSeenKey(identity)
	return u.db.Update(func(txn *badger.Txn) error {
		if lastSeen == nil {
			return txn.Delete(key)
		}
		return txn.Set(key, []byte(strconv.FormatUint(*lastSeen, 10)))
	})
}

func (u UserRepository) GetLastSeen(identity string) (*uint64, error) {
	var lastSeen *uint64
	err := u.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastSeenKey(identity))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := strconv.ParseUint(string(val), 10, 64)
			if err != nil {
				return err
			}
			lastSeen = &v
			return nil
		})
	})
	return lastSeen, err
}

func lastSeenKey(identity string) []byte {
	return []byte("lastseen:" + identity)
}
