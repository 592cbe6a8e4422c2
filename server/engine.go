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
Package server implements the covert listener: a single UDP socket, a
single-threaded cooperative dispatch loop (§4.5/§5), and the §4.3 commit
procedure wired against a session.Table and a sink.Sink.
*/
package server

import (
	"context"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lexachron/ntpspy/message"
	"github.com/lexachron/ntpspy/session"
	"github.com/lexachron/ntpspy/sink"
	"github.com/lexachron/ntpspy/wire"
)

// pollInterval bounds how long a ReadFromUDP blocks before the loop wakes
// up to sweep idle sessions, implemented with SetReadDeadline instead of
// epoll/select. It is a fixed interval, not a timeout computed from the
// nearest session's idle deadline, so an idle session is swept up to one
// interval after its timeout has passed.
const pollInterval = time.Second

// Engine is the server-side covert listener.
type Engine struct {
	Config Config
	Stats  Stats
	Logger *log.Logger

	table  *session.Table
	header wire.Header
}

// New prepares an Engine. sk is the storage-root collaborator the resulting
// sessions reassemble files through; it is swept of stale .part files
// exactly once, here, before the socket ever binds (§4.3 startup sweep).
func New(cfg Config, sk sink.Sink, stats Stats, logger *log.Logger) (*Engine, error) {
	swept, err := sink.Sweep(cfg.StorageRoot)
	if err != nil {
		return nil, err
	}
	if swept > 0 {
		logger.Infof("swept %d stale temp file(s) from %s", swept, cfg.StorageRoot)
	}
	return &Engine{
		Config: cfg,
		Stats:  stats,
		Logger: logger,
		table:  session.NewTable(sk),
		header: wire.DefaultHeader(wire.ModeServer),
	}, nil
}

// Run binds the UDP socket and runs the dispatch loop until ctx is
// canceled. It is the engine's entire runtime: one goroutine, no workers,
// matching §5's "no shared memory between threads; no locks required".
func (e *Engine) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: e.Config.Port})
	if err != nil {
		return err
	}
	defer conn.Close()
	return e.Serve(ctx, conn)
}

// Serve runs the dispatch loop against an already-bound conn, letting tests
// use an ephemeral (Port: 0) listener the way
// ntp/responder/server_test.go's tryListenUDP does.
func (e *Engine) Serve(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, wire.ExtendedSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				e.sweep(time.Now())
				continue
			}
			return err
		}

		msg, err := wire.DecodeDatagram(e.Config.Magic, buf[:n])
		if err != nil {
			if !errors.Is(err, wire.ErrNotOurs) {
				e.Logger.Debugf("dropping malformed datagram from %s: %v", addr, err)
			}
			e.Stats.IncInvalid()
			continue
		}
		e.Stats.IncRequests()
		e.dispatch(conn, addr, msg, time.Now())
		e.sweep(time.Now())
	}
}

func (e *Engine) sweep(now time.Time) {
	for _, r := range e.table.Sweep(now, e.Config.IdleTimeout) {
		e.Logger.Debugf("retired session %+v: %s", r.Key, r.Reason)
		e.Stats.IncAborts()
	}
}

func (e *Engine) dispatch(conn *net.UDPConn, addr *net.UDPAddr, in wire.Message, now time.Time) {
	switch in.Kind {
	case wire.KindQuery:
		e.send(conn, addr, wire.Message{
			Header:          e.header,
			Kind:            wire.KindQueryReply,
			TransferID:      in.TransferID,
			ProtocolVersion: 1,
			ServerCaps:      0,
		})

	case wire.KindStart:
		e.handleStart(conn, addr, in, now)

	case wire.KindData:
		e.handleData(conn, addr, in, now)

	case wire.KindEnd:
		e.handleEnd(conn, addr, in, now)

	case wire.KindAck, wire.KindNak, wire.KindQueryReply:
		// Wrong direction; the server never receives these from a well
		// behaved client.
		e.Stats.IncInvalid()

	default:
		e.Stats.IncInvalid()
	}
}

func (e *Engine) handleStart(conn *net.UDPConn, addr *net.UDPAddr, in wire.Message, now time.Time) {
	key := session.Key{Peer: addr.String(), TransferID: in.TransferID}
	_, _, err := e.table.Start(key, in.Filename, in.TotalSize, now)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			e.nak(conn, addr, in.TransferID, wire.NoChunk, message.ReasonSessionConflict)
			return
		}
		e.Logger.Errorf("failed to begin session %+v: %v", key, err)
		e.nak(conn, addr, in.TransferID, wire.NoChunk, message.ReasonFieldOutOfRange)
		return
	}
	e.Stats.IncStarts()
	e.ack(conn, addr, in.TransferID, wire.NoChunk)
}

func (e *Engine) handleData(conn *net.UDPConn, addr *net.UDPAddr, in wire.Message, now time.Time) {
	key := session.Key{Peer: addr.String(), TransferID: in.TransferID}
	sess, ok := e.table.Get(key)
	if !ok {
		e.nak(conn, addr, in.TransferID, in.ChunkIndex, message.ReasonNoSession)
		return
	}
	sess.Touch(now)

	if sess.HasChunk(in.ChunkIndex) {
		e.ack(conn, addr, in.TransferID, in.ChunkIndex)
		return
	}
	if _, err := sess.AcceptChunk(in.ChunkIndex, in.Payload); err != nil {
		e.nak(conn, addr, in.TransferID, in.ChunkIndex, message.ReasonFieldOutOfRange)
		return
	}
	e.ack(conn, addr, in.TransferID, in.ChunkIndex)
}

func (e *Engine) handleEnd(conn *net.UDPConn, addr *net.UDPAddr, in wire.Message, now time.Time) {
	key := session.Key{Peer: addr.String(), TransferID: in.TransferID}
	sess, ok := e.table.Get(key)
	if !ok {
		e.nak(conn, addr, in.TransferID, wire.NoChunk, message.ReasonNoSession)
		return
	}
	sess.Touch(now)

	if err := sess.ValidateEnd(in.TotalChunks, in.CRC32C); err != nil {
		e.nak(conn, addr, in.TransferID, wire.NoChunk, message.ReasonFieldOutOfRange)
		e.table.Delete(key)
		_ = sess.Abort()
		return
	}

	if !sess.Complete() {
		e.nak(conn, addr, in.TransferID, sess.FirstMissing(), message.ReasonFirstMissing)
		return
	}

	got, err := sess.Digest()
	if err != nil {
		e.Logger.Errorf("digest recompute failed for %+v: %v", key, err)
		e.nak(conn, addr, in.TransferID, wire.NoChunk, message.ReasonChecksumFailed)
		e.table.Delete(key)
		_ = sess.Abort()
		return
	}
	if got != sess.DeclaredCRC32C() {
		e.nak(conn, addr, in.TransferID, wire.NoChunk, message.ReasonChecksumFailed)
		e.table.Delete(key)
		_ = sess.Abort()
		e.Stats.IncAborts()
		return
	}

	finalName := message.TruncateFilename(sess.Filename, nil)
	if _, err := sess.Commit(finalName, e.Config.Overwrite); err != nil {
		e.Logger.Errorf("commit failed for %+v: %v", key, err)
		e.nak(conn, addr, in.TransferID, wire.NoChunk, message.ReasonFieldOutOfRange)
		e.table.Delete(key)
		return
	}
	e.table.Delete(key)
	e.Stats.IncCommits()
	e.ack(conn, addr, in.TransferID, wire.NoChunk)
}

func (e *Engine) ack(conn *net.UDPConn, addr *net.UDPAddr, transferID, chunk uint32) {
	e.Stats.IncAcks()
	e.send(conn, addr, wire.Message{
		Header:     e.header,
		Kind:       wire.KindAck,
		TransferID: transferID,
		ChunkIndex: chunk,
	})
}

func (e *Engine) nak(conn *net.UDPConn, addr *net.UDPAddr, transferID, chunk uint32, reason message.Reason) {
	e.Stats.IncNaks()
	e.send(conn, addr, wire.Message{
		Header:     e.header,
		Kind:       wire.KindNak,
		TransferID: transferID,
		ChunkIndex: chunk,
		Reason:     uint32(reason),
	})
}

func (e *Engine) send(conn *net.UDPConn, addr *net.UDPAddr, m wire.Message) {
	buf, err := wire.EncodeDatagram(e.Config.Magic, m)
	if err != nil {
		e.Logger.Errorf("failed to encode %s to %s: %v", m.Kind, addr, err)
		return
	}
	if _, err := conn.WriteToUDP(buf, addr); err != nil {
		e.Logger.Debugf("failed to write %s to %s: %v", m.Kind, addr, err)
	}
}
