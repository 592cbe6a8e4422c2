/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package session implements the server-side per-transfer bookkeeping named
in §4.3: one Session per (peer, TransferId), its received-chunk bitmap, its
running CRC32C, and the Table that is the server engine's only shared
state. Neither type touches a socket; the engine decodes datagrams and
calls into a Session, then encodes whatever Session says to send back.
*/
package session

import (
	"errors"
	"time"

	"github.com/lexachron/ntpspy/message"
	"github.com/lexachron/ntpspy/sink"
	"github.com/lexachron/ntpspy/wire"
)

// Key identifies one Session: a client address paired with the TransferId
// it chose, per §3 ("At most one active Session per (peer_address,
// TransferId)").
type Key struct {
	Peer       string
	TransferID uint32
}

var (
	// ErrConflict is returned by Table.Start when the same Key is already
	// live with different declared fields (§4.3).
	ErrConflict = errors.New("session: conflicting start for live transfer")
	// ErrBadTotalChunks is returned when End's declared total_chunks
	// disagrees with what total_size implies (§9 open question: total_chunks
	// × 16 < total_size is FieldOutOfRange).
	ErrBadTotalChunks = errors.New("session: declared total_chunks out of range for total_size")
	// ErrBadChunkIndex is returned by AcceptChunk for an index the session's
	// Start never declared room for.
	ErrBadChunkIndex = errors.New("session: chunk index exceeds declared total_chunks")
)

// expectedChunks returns ceil(totalSize / MaxPayload), the only total_chunks
// value the server will accept on End for a given Start.
func expectedChunks(totalSize uint64) uint32 {
	if totalSize == 0 {
		return 0
	}
	return uint32((totalSize + wire.MaxPayload - 1) / wire.MaxPayload)
}

// Session is one in-progress (or just-committed) reassembly.
type Session struct {
	Key       Key
	Filename  string
	TotalSize uint64

	expected uint32
	digest   *message.IncrementalDigest
	received []bool
	count    uint32

	declaredCRC32C uint32

	handle       sink.Handle
	lastActivity time.Time
	retired      bool
}

// New creates a Session for a just-accepted Start. callers (Table.Start)
// are responsible for the conflict/retransmit check against any existing
// Session for the same Key.
func New(key Key, filename string, totalSize uint64, h sink.Handle, now time.Time) *Session {
	exp := expectedChunks(totalSize)
	return &Session{
		Key:          key,
		Filename:     filename,
		TotalSize:    totalSize,
		expected:     exp,
		digest:       message.NewDigest(),
		received:     make([]bool, exp),
		handle:       h,
		lastActivity: now,
	}
}

// SameStart reports whether a repeated Start carries fields identical to
// this session's, the §4.3 "Start retransmit" test.
func (s *Session) SameStart(filename string, totalSize uint64) bool {
	return s.Filename == filename && s.TotalSize == totalSize
}

// Touch records activity from the peer, resetting the idle-timeout clock.
func (s *Session) Touch(now time.Time) {
	s.lastActivity = now
}

// Idle reports whether this session has seen no activity for at least d.
func (s *Session) Idle(now time.Time, d time.Duration) bool {
	return now.Sub(s.lastActivity) >= d
}

// HasChunk reports whether chunk index has already been recorded, for the
// idempotent-Ack path in §4.5 ("if chunk bit already set, Ack again").
func (s *Session) HasChunk(index uint32) bool {
	return int(index) < len(s.received) && s.received[index]
}

// AcceptChunk records payload at index if it hasn't been seen before. It
// reports whether this call actually wrote anything (false on a duplicate
// or an out-of-range index).
func (s *Session) AcceptChunk(index uint32, payload []byte) (bool, error) {
	if int(index) >= len(s.received) {
		return false, ErrBadChunkIndex
	}
	if s.received[index] {
		return false, nil
	}
	if err := s.handle.WriteAt(int64(index)*wire.MaxPayload, payload); err != nil {
		return false, err
	}
	s.digest.Add(index, payload)
	s.received[index] = true
	s.count++
	return true, nil
}

// FirstMissing returns the lowest unset chunk index, used as the resend
// hint carried on Nak(FirstMissing) per §4.3/§4.5.
func (s *Session) FirstMissing() uint32 {
	for i, got := range s.received {
		if !got {
			return uint32(i)
		}
	}
	return wire.NoChunk
}

// Complete reports whether every declared chunk has been received.
func (s *Session) Complete() bool {
	return s.count == s.expected
}

// ValidateEnd checks End's declared total_chunks against what this session
// expects, per the resolved open question on total_chunks × 16 <
// total_size, and records End's declared CRC32C for the commit-time
// comparison (the CRC itself is not checked here).
func (s *Session) ValidateEnd(totalChunks uint32, crc32c uint32) error {
	if totalChunks != s.expected {
		return ErrBadTotalChunks
	}
	s.declaredCRC32C = crc32c
	return nil
}

// Digest returns the payload CRC32C to verify against the declared value at
// commit time: the incrementally-folded digest if every chunk arrived in
// ascending order, or a single full pass over the temp file's content
// otherwise (§4.2).
func (s *Session) Digest() (uint32, error) {
	if s.digest.InOrder(s.expected) {
		return s.digest.Sum(), nil
	}
	data, err := s.handle.FullContent()
	if err != nil {
		return 0, err
	}
	return message.ChecksumBytes(data), nil
}

// DeclaredCRC32C returns the CRC32C asserted by the client's End message.
// Only meaningful once ValidateEnd has been called.
func (s *Session) DeclaredCRC32C() uint32 {
	return s.declaredCRC32C
}

// Commit publishes the reassembled file under finalName and retires the
// session. Callers must already have confirmed Complete() and a matching
// digest.
func (s *Session) Commit(finalName string, overwrite bool) (string, error) {
	s.retired = true
	return s.handle.Commit(finalName, overwrite)
}

// Abort discards the session's temp file and retires the session, for the
// checksum-mismatch and idle-timeout paths of §4.3.
func (s *Session) Abort() error {
	s.retired = true
	return s.handle.Abort()
}

// Retired reports whether Commit or Abort has already run, so the Table
// never double-finalizes a session.
func (s *Session) Retired() bool {
	return s.retired
}
