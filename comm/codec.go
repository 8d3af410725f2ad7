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

package comm

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// ErrProtocol marks malformed frames: non-decimal length, unknown type,
// truncated body or a corrupt LZ4 stream. Matched with errors.Is.
var ErrProtocol = errors.New("protocol error")

const headerLen = MessageLengthDigits + MessageTypeDigits

// EncodeMessage packs a message into its wire frame:
// 16 ASCII digits of compressed body length, 1 ASCII type digit, then
// the LZ4-frame compressed content. Deterministic for a given message.
func EncodeMessage(m *Message) ([]byte, error) {
	if !ValidType(m.Type) {
		return nil, errors.Wrapf(ErrProtocol, "encode: message type %q does not exist", m.Type)
	}
	var body bytes.Buffer
	zw := lz4.NewWriter(&body)
	if _, err := zw.Write(m.Content); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 flush")
	}

	packet := make([]byte, headerLen+body.Len())
	putLength(packet[:MessageLengthDigits], body.Len())
	packet[MessageLengthDigits] = byte(m.Type)
	copy(packet[headerLen:], body.Bytes())
	return packet, nil
}

// putLength renders n as zero-padded ASCII decimal across the whole dst.
func putLength(dst []byte, n int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte('0' + n%10)
		n /= 10
	}
}

func parseLength(src []byte) (int64, error) {
	var n int64
	for _, c := range src {
		if c < '0' || c > '9' {
			return 0, errors.Wrapf(ErrProtocol, "length field %q is not decimal", src)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// ReadMessage decodes exactly one frame from r. A clean EOF before the
// first header byte is returned as io.EOF so the caller can treat it as
// the remote closing between frames; EOF anywhere later is a protocol
// error. Timeouts surface as whatever error r reports and are the
// caller's concern.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:MessageLengthDigits]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrProtocol, "stream ended inside length field")
		}
		return nil, err
	}
	length, err := parseLength(header[:MessageLengthDigits])
	if err != nil {
		return nil, err
	}
	if length > MaxContentLength {
		return nil, errors.Wrapf(ErrProtocol, "length field claims %d bytes", length)
	}

	if _, err := io.ReadFull(r, header[MessageLengthDigits:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrProtocol, "stream ended before type field")
		}
		return nil, err
	}
	mtype := MessageType(header[MessageLengthDigits])
	if !ValidType(mtype) {
		return nil, errors.Wrapf(ErrProtocol, "message type %q does not exist", mtype)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrProtocol, "stream ended inside frame body")
		}
		return nil, err
	}

	content, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, "lz4 decompress")
	}
	return &Message{Type: mtype, Content: content}, nil
}
