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

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lexachron/ntpspy/message"
	"github.com/lexachron/ntpspy/wire"
)

// Sentinel failure classes, used by cmd/ntpspy to pick an exit code (§6).
var (
	// ErrConnectivity means a Start handshake exhausted every retry with no
	// Ack: §4.4's "the batch aborts" condition.
	ErrConnectivity = errors.New("client: no response from server")
	// ErrChecksumMismatch means the server Naked(ChecksumFailed): fatal for
	// this file only, per §4.4 step 7.
	ErrChecksumMismatch = errors.New("client: server reported checksum mismatch")
	// ErrChunkRetriesExhausted means one Data chunk exceeded PER_CHUNK_RETRIES.
	ErrChunkRetriesExhausted = errors.New("client: chunk exceeded retry budget")
	// ErrEndTimeout means the End handshake exhausted every retry with no
	// reply. Unlike ErrConnectivity (Start), this fails only the current
	// file — §4.4 only calls out Start's exhaustion as batch-aborting.
	ErrEndTimeout = errors.New("client: no response from server for End")
)

// Engine drives one UDP peer relationship: Query or a sequential batch of
// file transfers, one Session at a time (§4.4).
type Engine struct {
	Conn   *net.UDPConn
	Peer   *net.UDPAddr
	Config Config
	Logger *log.Logger

	header     wire.Header
	transferID uint32
	lastSend   time.Time
	seenNames  map[string]bool
}

// New prepares an Engine for conn already "connected" (via net.DialUDP or
// equivalent) to peer.
func New(conn *net.UDPConn, peer *net.UDPAddr, cfg Config, logger *log.Logger) *Engine {
	return &Engine{
		Conn:      conn,
		Peer:      peer,
		Config:    cfg,
		Logger:    logger,
		header:    wire.DefaultHeader(wire.ModeClient),
		seenNames: make(map[string]bool),
	}
}

func (e *Engine) nextTransferID() uint32 {
	e.transferID++
	return e.transferID
}

// pace enforces MinInterval between any two outgoing datagrams, the
// dominant scheduling knob per §4.4 step 6.
func (e *Engine) pace() {
	if e.Config.MinInterval <= 0 {
		return
	}
	elapsed := time.Since(e.lastSend)
	if elapsed < e.Config.MinInterval {
		time.Sleep(e.Config.MinInterval - elapsed)
	}
}

func (e *Engine) send(m wire.Message) error {
	e.pace()
	buf, err := wire.EncodeDatagram(e.Config.Magic, m)
	if err != nil {
		return err
	}
	if _, err := e.Conn.Write(buf); err != nil {
		return err
	}
	e.lastSend = time.Now()
	return nil
}

// recv waits up to timeout for any datagram from the peer that decodes
// under our magic, discarding anything else (§8 invariant 2).
func (e *Engine) recv(timeout time.Duration) (wire.Message, error) {
	if err := e.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Message{}, err
	}
	buf := make([]byte, wire.ExtendedSize)
	for {
		n, err := e.Conn.Read(buf)
		if err != nil {
			return wire.Message{}, err
		}
		m, err := wire.DecodeDatagram(e.Config.Magic, buf[:n])
		if err != nil {
			if errors.Is(err, wire.ErrNotOurs) {
				continue
			}
			continue
		}
		return m, nil
	}
}

// handshake sends m repeatedly with exponential backoff until accept
// reports satisfaction, or HANDSHAKE_RETRIES is exhausted (§4.4 step 4/7).
func (e *Engine) handshake(ctx context.Context, m wire.Message, accept func(wire.Message) bool) (wire.Message, error) {
	b := newBackoff(e.Config.RTTBase, e.Config.RTTCap)
	for attempt := 0; attempt <= e.Config.HandshakeRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return wire.Message{}, err
		}
		if err := e.send(m); err != nil {
			return wire.Message{}, err
		}
		reply, err := e.recv(b.next())
		if err == nil && accept(reply) {
			return reply, nil
		}
		if err == nil && reply.Kind == wire.KindNak {
			return reply, nil // caller inspects the Nak itself
		}
	}
	return wire.Message{}, ErrConnectivity
}

// Query implements §4.4(a): probe for presence, no session state.
func (e *Engine) Query(ctx context.Context) (wire.Message, error) {
	m := wire.Message{Header: e.header, Kind: wire.KindQuery}
	return e.handshake(ctx, m, func(r wire.Message) bool { return r.Kind == wire.KindQueryReply })
}

// FileResult is one batch entry's outcome.
type FileResult struct {
	Path string
	Name string
	Err  error
}

// SendBatch transfers paths in order (§4.4's "files are processed in argv
// order"). An empty paths list means stdin. A connectivity failure on any
// file aborts the rest of the batch; any other failure just fails that file
// and the batch continues.
func (e *Engine) SendBatch(ctx context.Context, paths []string) []FileResult {
	if len(paths) == 0 {
		paths = []string{""}
	}
	var results []FileResult
	for _, p := range paths {
		res := e.sendOne(ctx, p)
		results = append(results, res)
		if errors.Is(res.Err, ErrConnectivity) {
			e.Logger.Errorf("aborting batch: %v", res.Err)
			break
		}
	}
	return results
}

func (e *Engine) sendOne(ctx context.Context, path string) FileResult {
	var src *source
	var name string
	if path == "" {
		s, err := readStdin(os.Stdin)
		if err != nil {
			return FileResult{Path: path, Err: err}
		}
		src = s
		name = message.StdinFilename(time.Now())
	} else {
		s, err := openFile(path)
		if err != nil {
			return FileResult{Path: path, Err: err}
		}
		src = s
		name = message.TruncateFilename(path, e.seenNames)
	}

	transferID := e.nextTransferID()
	totalSize := uint64(src.Size())
	totalChunks := src.TotalChunks()
	crc := message.ChecksumBytes(src.data)

	e.Logger.Infof("sending %s as %q (%d bytes, %d chunks, transfer %d)", path, name, totalSize, totalChunks, transferID)

	if err := e.runStart(ctx, transferID, name, totalSize); err != nil {
		return FileResult{Path: path, Name: name, Err: err}
	}

	if err := e.runData(ctx, transferID, src, totalChunks); err != nil {
		return FileResult{Path: path, Name: name, Err: err}
	}

	if err := e.runEnd(ctx, transferID, src, totalChunks, crc); err != nil {
		return FileResult{Path: path, Name: name, Err: err}
	}
	return FileResult{Path: path, Name: name}
}

func (e *Engine) runStart(ctx context.Context, transferID uint32, name string, totalSize uint64) error {
	m := wire.Message{Header: e.header, Kind: wire.KindStart, TransferID: transferID, TotalSize: totalSize, Filename: name}
	reply, err := e.handshake(ctx, m, func(r wire.Message) bool {
		return r.Kind == wire.KindAck && r.TransferID == transferID
	})
	if err != nil {
		return err
	}
	if reply.Kind == wire.KindNak {
		return fmt.Errorf("start rejected: %s", message.Reason(reply.Reason))
	}
	return nil
}

func (e *Engine) runData(ctx context.Context, transferID uint32, src *source, totalChunks uint32) error {
	state := newSendState(totalChunks)
	for !state.done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, idx := range state.admit(e.Config.Window) {
			if err := e.send(wire.Message{Header: e.header, Kind: wire.KindData, TransferID: transferID, ChunkIndex: idx, Payload: src.Chunk(idx)}); err != nil {
				return err
			}
			state.markSent(idx, time.Now())
		}

		reply, err := e.recv(e.Config.RTTBase)
		if err == nil {
			switch reply.Kind {
			case wire.KindAck:
				state.ack(reply.ChunkIndex)
			case wire.KindNak:
				if err := e.resendChunk(state, transferID, src, reply.ChunkIndex); err != nil {
					return err
				}
			}
		}

		now := time.Now()
		for _, idx := range state.dueForRetry(now, e.Config.RTTBase) {
			if err := e.resendChunk(state, transferID, src, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) resendChunk(state *sendState, transferID uint32, src *source, idx uint32) error {
	retries, ok := state.resend(idx, time.Now())
	if !ok {
		return nil // already acked, nothing to do
	}
	if retries > e.Config.PerChunkRetries {
		return fmt.Errorf("%w: chunk %d", ErrChunkRetriesExhausted, idx)
	}
	return e.send(wire.Message{Header: e.header, Kind: wire.KindData, TransferID: transferID, ChunkIndex: idx, Payload: src.Chunk(idx)})
}

func (e *Engine) runEnd(ctx context.Context, transferID uint32, src *source, totalChunks uint32, crc uint32) error {
	for {
		m := wire.Message{Header: e.header, Kind: wire.KindEnd, TransferID: transferID, TotalChunks: totalChunks, CRC32C: crc}
		reply, err := e.handshake(ctx, m, func(r wire.Message) bool {
			return r.Kind == wire.KindAck && r.TransferID == transferID
		})
		if err != nil {
			if errors.Is(err, ErrConnectivity) {
				return ErrEndTimeout
			}
			return err
		}
		if reply.Kind == wire.KindAck {
			return nil
		}

		switch message.Reason(reply.Reason) {
		case message.ReasonFirstMissing:
			if err := e.send(wire.Message{Header: e.header, Kind: wire.KindData, TransferID: transferID, ChunkIndex: reply.ChunkIndex, Payload: src.Chunk(reply.ChunkIndex)}); err != nil {
				return err
			}
			// retry the End handshake from the top.
		case message.ReasonChecksumFailed:
			return ErrChecksumMismatch
		default:
			return fmt.Errorf("end rejected: %s", message.Reason(reply.Reason))
		}
	}
}
