package repositories

import "chat-relay/contract"

var _ contract.IPersistenceGateway = Gateway{}

// Gateway is the persistence side of routing, backed by the message and user repositories.
type Gateway struct {
	messages IMessageRepository
	users    IUserRepository
}

func NewGateway(messages IMessageRepository, users IUserRepository) Gateway {
	return Gateway{messages: messages, users: users}
}

func (g Gateway) InsertMessage(sender, recipient, body string, timestamp uint64) error {
	return g.messages.InsertMessage(sender, recipient, body, timestamp)
}

func (g Gateway) MarkRead(reader, writer string) error {
	return g.messages.MarkRead(reader, writer)
}

func (g Gateway) SetLastSeen(identity string, lastSeen *uint64) error {
	return g.users.SetLastSeen(identity, lastSeen)
}
