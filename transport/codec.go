// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport frames protocol messages as newline-delimited JSON.
// Frames carry hex-encoded keys and hashes; contracts and transactions
// are rebuilt through their package constructors on decode, so malformed
// frames are rejected before they reach session state.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/JoseSK999/JoinSwap/swap"
)

var (
	// ErrBadFrame is returned when a frame's payload cannot be decoded
	// into a valid protocol message.
	ErrBadFrame = errors.New("malformed frame")

	// ErrUnknownType is returned for frames whose type is not a known
	// protocol message.
	ErrUnknownType = errors.New("unknown message type")

	// ErrFrameTooLarge is returned when a frame exceeds the read
	// buffer.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// maxFrameSize bounds a single frame.  The largest legitimate frames are
// refund proposals, which grow linearly with the participant count.
const maxFrameSize = 1 << 20

// envelope is one newline-delimited frame on the wire.
type envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Codec frames protocol messages over a single bidirectional stream.
// Send may be called from multiple goroutines; Receive must be driven by
// one reader.
type Codec struct {
	sendMu sync.Mutex
	w      *bufio.Writer

	scanner *bufio.Scanner
}

// NewCodec wraps a stream in a frame codec.
func NewCodec(rw io.ReadWriter) *Codec {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	return &Codec{
		w:       bufio.NewWriter(rw),
		scanner: scanner,
	}
}

// Send frames and writes one message.
func (c *Codec) Send(from swap.Handle, msg swap.Message) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}

	frame, err := json.Marshal(envelope{
		Type:    msg.Type(),
		From:    string(from),
		Payload: payload,
	})
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Receive reads and decodes the next frame.  It returns io.EOF once the
// stream is drained.
func (c *Codec) Receive() (swap.Inbound, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return swap.Inbound{}, ErrFrameTooLarge
			}
			return swap.Inbound{}, err
		}
		return swap.Inbound{}, io.EOF
	}

	var env envelope
	if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
		log.Debugf("Dropping undecodable frame: %v", err)
		return swap.Inbound{}, ErrBadFrame
	}

	msg, err := unmarshalPayload(env.Type, env.Payload)
	if err != nil {
		return swap.Inbound{}, err
	}

	return swap.Inbound{
		From: swap.Handle(env.From),
		Msg:  msg,
	}, nil
}
