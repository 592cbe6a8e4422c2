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
	"bytes"
	"io"
	"os"

	"github.com/lexachron/ntpspy/wire"
)

// source is what the chunker reads a transfer's bytes from: a regular file
// or stdin, either one read fully into memory before Start, per §4.4 step 1.
type source struct {
	name string
	data []byte
}

// openFile fully reads path, the simplest thing that satisfies
// §4.4's requirement that total_size/total_chunks are known before Start.
func openFile(path string) (*source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &source{name: path, data: data}, nil
}

// readStdin drains r (normally os.Stdin) into memory, per §4.4 step 1's
// "stream into a temp buffer and compute" for the unknown-size case.
func readStdin(r io.Reader) (*source, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return &source{data: buf.Bytes()}, nil
}

// Size returns the total byte count this source will send.
func (s *source) Size() int64 {
	return int64(len(s.data))
}

// Chunk returns the index-th 16-byte payload (shorter for the final
// chunk), per §4.1's MAX_PAYLOAD.
func (s *source) Chunk(index uint32) []byte {
	start := int64(index) * wire.MaxPayload
	end := start + wire.MaxPayload
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	if start >= int64(len(s.data)) {
		return nil
	}
	return s.data[start:end]
}

// TotalChunks returns ceil(size / MaxPayload).
func (s *source) TotalChunks() uint32 {
	return totalChunks(uint64(len(s.data)))
}

func totalChunks(size uint64) uint32 {
	if size == 0 {
		return 0
	}
	return uint32((size + wire.MaxPayload - 1) / wire.MaxPayload)
}
