// Package event defines the side effects the registry hands to the persistence workers.
package event

import "chat-relay/domain"

type DomainEvent interface {
	Owner() string
	// Key groups the jobs that must be applied in submission order.
	Key() string
}

// MessageRouted is emitted once per routed message, whether or not it was delivered live.
type MessageRouted struct {
	Message domain.Message
}

func (m MessageRouted) Owner() string { return m.Message.Sender }
func (m MessageRouted) Key() string   { return conversationKey(m.Message.Sender, m.Message.Recipient) }

// MessagesRead is emitted once per read receipt.
// It shares its key with the conversation so it lands after every earlier insert.
type MessagesRead struct {
	Reader string
	Writer string
}

func (m MessagesRead) Owner() string { return m.Reader }
func (m MessagesRead) Key() string   { return conversationKey(m.Reader, m.Writer) }

// PresenceChanged carries the new last-seen value of an identity.
// A nil LastSeen means the identity is online.
type PresenceChanged struct {
	Identity string
	LastSeen *uint64
}

func (p PresenceChanged) Owner() string { return p.Identity }
func (p PresenceChanged) Key() string   { return "presence\x00" + p.Identity }

func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "conversation\x00" + a + "\x00" + b
}
