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

package session

import (
	"time"

	"github.com/lexachron/ntpspy/sink"
)

// Table is the server's only shared state (§4.5): a plain map, not a
// sync.Map or mutex-guarded map, because the server engine is
// single-threaded cooperative (§5) and every call into Table happens from
// that one goroutine.
type Table struct {
	sessions map[Key]*Session
	sink     sink.Sink
}

// NewTable returns an empty Table backed by s for new sessions' temp files.
func NewTable(s sink.Sink) *Table {
	return &Table{sessions: make(map[Key]*Session), sink: s}
}

// Get returns the live session for key, if any.
func (t *Table) Get(key Key) (*Session, bool) {
	s, ok := t.sessions[key]
	return s, ok
}

// Start implements the §4.3 creation/retransmit/conflict logic for a
// received Start message. It returns the session to Ack against, and
// whether this call created a brand new session (false means either a
// retransmit of an existing one, or ErrConflict).
func (t *Table) Start(key Key, filename string, totalSize uint64, now time.Time) (*Session, bool, error) {
	if existing, ok := t.sessions[key]; ok {
		if existing.SameStart(filename, totalSize) {
			existing.Touch(now)
			return existing, false, nil
		}
		return nil, false, ErrConflict
	}

	h, err := t.sink.Begin(key.TransferID, totalSize)
	if err != nil {
		return nil, false, err
	}
	s := New(key, filename, totalSize, h, now)
	t.sessions[key] = s
	return s, true, nil
}

// Delete removes key from the table without touching its temp file; callers
// must already have committed or aborted the session's handle.
func (t *Table) Delete(key Key) {
	delete(t.sessions, key)
}

// Retired identifies a session the Sweep pass finalized, so the caller
// (the server engine) knows which peers to notify, if it chooses to.
type Retired struct {
	Key    Key
	Reason string
}

// Sweep aborts and evicts every session idle for at least d, per §4.3's
// idle-timeout rule: temp file deleted, no Nak sent (the client times out
// independently). Call this once per iteration of the server's poll loop,
// not on its own goroutine (§5 — no session owns a timer).
func (t *Table) Sweep(now time.Time, d time.Duration) []Retired {
	var retired []Retired
	for key, s := range t.sessions {
		if !s.Idle(now, d) {
			continue
		}
		_ = s.Abort()
		delete(t.sessions, key)
		retired = append(retired, Retired{Key: key, Reason: "idle timeout"})
	}
	return retired
}

// Len reports the number of live sessions, for stats/diagnostics.
func (t *Table) Len() int {
	return len(t.sessions)
}
