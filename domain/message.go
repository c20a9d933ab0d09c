// Package domain contains core concepts of the chat system.
// This file defines Message frames and related rules.
// Messages are immutable once routed; only the persisted copy is ever marked read.
package domain

import (
	"chat-relay/errors"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Message is the frame exchanged over a live connection, in both directions.
// A read notification reuses the same shape with Read set and Sender naming the reader.
type Message struct {
	Body      string `json:"msg"`
	Sender    string `json:"sender" validate:"required"`
	Recipient string `json:"recv" validate:"required,nefield=Sender"`
	Time      uint64 `json:"time"`
	Read      bool   `json:"read"`
}

// ReadReceipt asserts that Reader has seen every prior message from Writer.
type ReadReceipt struct {
	Reader string `validate:"required"`
	Writer string `validate:"required,nefield=Reader"`
}

// ReadNotification is what the writer of the messages receives once the reader has seen them.
func (r ReadReceipt) ReadNotification() Message {
	return Message{Sender: r.Reader, Read: true}
}

func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
	}
	return nil
}

func (r ReadReceipt) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
	}
	return nil
}

// DecodeFrame parses one text frame.
func DecodeFrame(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
	}
	return m, nil
}

func EncodeFrame(m Message) ([]byte, error) {
	return json.Marshal(m)
}
