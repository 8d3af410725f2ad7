// The MIT License (MIT)
//
// # Copyright (c) 2026 screenlink
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package comm implements the mediator's framed message protocol: typed
// messages, the length-prefixed LZ4 wire codec, mode-switchable message
// buffers and the worker-driven connection wrapper built on top of them.
package comm

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// MessageLengthDigits is the width of the ASCII decimal length field.
	MessageLengthDigits = 16
	// MessageTypeDigits is the width of the ASCII type field.
	MessageTypeDigits = 1
	// MaxContentLength bounds a message body; the length field cannot
	// describe anything larger.
	MaxContentLength = int64(1e16) - 1
)

// MessageType is the single wire digit classifying a message.
type MessageType byte

const (
	// TypeServerInteraction carries protocol strings: admission info,
	// connector commands, main-channel RPCs.
	TypeServerInteraction MessageType = '1'
	// TypeControllerFrame carries data flowing towards the controller.
	TypeControllerFrame MessageType = '2'
	// TypeControlledFrame carries data flowing towards the controlled peer.
	TypeControlledFrame MessageType = '3'
)

// ValidType reports whether t belongs to the closed wire type set.
func ValidType(t MessageType) bool {
	switch t {
	case TypeServerInteraction, TypeControllerFrame, TypeControlledFrame:
		return true
	}
	return false
}

// Message is one typed unit of the protocol. Content is opaque bytes;
// protocol strings travel as UTF-8 text.
type Message struct {
	Type    MessageType
	Content []byte
}

// NewMessage validates the type and size at construction, as every code
// path that puts a message on the wire relies on both.
func NewMessage(t MessageType, content []byte) (*Message, error) {
	if !ValidType(t) {
		return nil, errors.Errorf("message type %q does not exist", t)
	}
	if int64(len(content)) > MaxContentLength {
		return nil, errors.Errorf("message content exceeds %d digits of length", MessageLengthDigits)
	}
	return &Message{Type: t, Content: content}, nil
}

// NewTextMessage builds a message from a protocol string.
func NewTextMessage(t MessageType, text string) (*Message, error) {
	return NewMessage(t, []byte(text))
}

// MustText is NewTextMessage for compile-time constant protocol strings.
func MustText(t MessageType, text string) *Message {
	m, err := NewTextMessage(t, text)
	if err != nil {
		panic(err)
	}
	return m
}

// Text returns the content decoded as text.
func (m *Message) Text() string {
	return string(m.Content)
}

func (m *Message) String() string {
	if len(m.Content) > 256 {
		return fmt.Sprintf("message type %c, %d bytes", m.Type, len(m.Content))
	}
	return fmt.Sprintf("message type %c: %q", m.Type, m.Content)
}
