package event

import (
	"chat-relay/domain"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey_Conversation_Jobs_Share_A_Key(t *testing.T) {
	req := require.New(t)

	// Given a message from alice to bob and bob's receipt for it
	routed := MessageRouted{Message: domain.Message{Sender: "alice", Recipient: "bob"}}
	answer := MessageRouted{Message: domain.Message{Sender: "bob", Recipient: "alice"}}
	read := MessagesRead{Reader: "bob", Writer: "alice"}

	// Then every job of the conversation is ordered together
	req.Equal(routed.Key(), answer.Key())
	req.Equal(routed.Key(), read.Key())

	// And another conversation is not
	req.NotEqual(routed.Key(), MessagesRead{Reader: "bob", Writer: "clara"}.Key())
}

func TestKey_Presence_Is_Per_Identity(t *testing.T) {
	req := require.New(t)
	at := uint64(1)

	req.Equal(PresenceChanged{Identity: "bob"}.Key(), PresenceChanged{Identity: "bob", LastSeen: &at}.Key())
	req.NotEqual(PresenceChanged{Identity: "bob"}.Key(), PresenceChanged{Identity: "alice"}.Key())
}
