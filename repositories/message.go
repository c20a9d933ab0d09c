package repositories

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// markReadBatch keeps a single MarkRead transaction far below badger's size limit.
const markReadBatch = 500

type IMessageRepository interface {
	InsertMessage(sender, recipient, body string, timestamp uint64) error
	MarkRead(reader, writer string) error
	GetConversation(a, b string, size, offset int) ([]StoredMessage, error)
	CountUnread(recipient string) ([]UnreadCount, error)
	Dump(limit int) ([]StoredMessage, error)
}

type MessageRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMessageRepository(db *badger.DB, log *slog.Logger) MessageRepository {
	return MessageRepository{db: db, log: log}
}

type StoredMessage struct {
	ID        uuid.UUID `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recv"`
	Body      string    `json:"msg"`
	Time      uint64    `json:"time"`
	Read      bool      `json:"read"`
}

// UnreadCount is the number of unread messages one contact left to a recipient.
type UnreadCount struct {
	Contact string `json:"contact"`
	Unread  int    `json:"unread"`
}

// InsertMessage persists an unread message.
// The key is "msg:{low}:{high}:{timestamp_padded}:{uuid}" where low/high is the sorted pair of
// participants, so a single prefix scan yields a conversation in chronological order.
// An "unread:{recipient}:{sender}:..." index entry points at it until the recipient reads it.
func (m MessageRepository) InsertMessage(sender, recipient, body string, timestamp uint64) error {
	message := StoredMessage{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Time:      timestamp,
	}
	value, err := json.Marshal(message)
	if err != nil {
		return err
	}
	suffix := fmt.Sprintf("%020d:%s", timestamp, message.ID)
	key := conversationPrefix(sender, recipient) + suffix
	indexKey := unreadPrefix(recipient, sender) + suffix

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		return txn.Set([]byte(indexKey), []byte(key))
	})
}

// MarkRead flags every unread message from writer to reader as read and drops their index entries.
func (m MessageRepository) MarkRead(reader, writer string) error {
	var indexKeys, messageKeys [][]byte
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(unreadPrefix(reader, writer))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			indexKeys = append(indexKeys, item.KeyCopy(nil))
			messageKeys = append(messageKeys, value)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for start := 0; start < len(indexKeys); start += markReadBatch {
		end := min(start+markReadBatch, len(indexKeys))
		err = m.db.Update(func(txn *badger.Txn) error {
			for i := start; i < end; i++ {
				if err := markOneRead(txn, messageKeys[i]); err != nil {
					return err
				}
				if err := txn.Delete(indexKeys[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if len(indexKeys) > 0 {
		m.log.Debug("Messages marked as read", "reader", reader, "writer", writer, "count", len(indexKeys))
	}
	return nil
}

func markOneRead(txn *badger.Txn, key []byte) error {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var message StoredMessage
	if err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &message)
	}); err != nil {
		return err
	}
	message.Read = true
	value, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return txn.Set(key, value)
}

// GetConversation returns the messages exchanged between a and b, newest first.
// offset messages are skipped, then at most size are returned.
func (m MessageRepository) GetConversation(a, b string, size, offset int) ([]StoredMessage, error) {
	var messages []StoredMessage
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(conversationPrefix(a, b))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest key of the prefix, then walk backwards.
		seekKey := append(bytes.Clone(prefix), 0xFF)
		skipped := 0
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(messages) == size {
				break
			}
			var message StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &message)
			}); err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	return messages, err
}

// CountUnread groups the unread messages of recipient by sender.
func (m MessageRepository) CountUnread(recipient string) ([]UnreadCount, error) {
	counts := make(map[string]int)
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := unreadRootPrefix(recipient)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), prefix)
			escaped, _, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			sender, err := url.QueryUnescape(escaped)
			if err != nil {
				m.log.Warn("Malformed unread index key", "key", string(it.Item().Key()))
				continue
			}
			counts[sender]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	unread := lo.MapToSlice(counts, func(contact string, n int) UnreadCount {
		return UnreadCount{Contact: contact, Unread: n}
	})
	sort.Slice(unread, func(i, j int) bool { return unread[i].Contact < unread[j].Contact })
	return unread, nil
}

// Dump lists stored messages in key order, for inspection tools. A limit <= 0 means no limit.
func (m MessageRepository) Dump(limit int) ([]StoredMessage, error) {
	var messages []StoredMessage
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte("msg:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var message StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &message)
			}); err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	return messages, err
}

// Identities are escaped so that ':' can separate key segments.
func conversationPrefix(a, b string) string {
	low, high := a, b
	if high < low {
		low, high = high, low
	}
	return fmt.Sprintf("msg:%s:%s:", url.QueryEscape(low), url.QueryEscape(high))
}

func unreadRootPrefix(recipient string) string {
	return fmt.Sprintf("unread:%s:", url.QueryEscape(recipient))
}

func unreadPrefix(recipient, sender string) string {
	return unreadRootPrefix(recipient) + url.QueryEscape(sender) + ":"
}
