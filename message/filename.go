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
Package message implements the logical layer above the wire codec: the
filename-truncation rule Start messages need to fit a name into 16 bytes,
the CRC32C payload digest carried by End, and the Nak reason codes.
*/
package message

import (
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexachron/ntpspy/wire"
)

// castagnoli is the CRC32C table (polynomial 0x1EDC6F41) used for the
// payload digest. The stdlib names this table after the polynomial, not the
// instrument count — see DESIGN.md for why no third-party checksum library
// replaces it here.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewDigest returns a fresh CRC32C accumulator.
func NewDigest() *IncrementalDigest {
	return &IncrementalDigest{next: 0}
}

// IncrementalDigest folds chunk payloads into a CRC32C digest in ascending
// chunk-index order. The server runs one of these while chunks stream in and
// only falls back to a full pass over the temp file when a gap forces it.
type IncrementalDigest struct {
	crc  uint32
	seen bool
	next uint32 // next chunk index expected in order
}

// Add folds one chunk's payload into the digest if it is the next one
// expected in sequence; it reports whether it did.
func (d *IncrementalDigest) Add(index uint32, payload []byte) bool {
	if index != d.next {
		return false
	}
	if !d.seen {
		d.crc = crc32.Checksum(payload, castagnoli)
		d.seen = true
	} else {
		d.crc = crc32.Update(d.crc, castagnoli, payload)
	}
	d.next++
	return true
}

// InOrder reports whether every chunk added so far arrived in ascending
// order with no gap, i.e. the running CRC32C is still valid end to end.
func (d *IncrementalDigest) InOrder(totalChunks uint32) bool {
	return d.next == totalChunks
}

// Sum returns the CRC32C accumulated so far.
func (d *IncrementalDigest) Sum() uint32 {
	return d.crc
}

// ChecksumBytes computes the CRC32C of a full byte slice in one pass, used
// both by the client (which always has the whole stream buffered or
// re-readable) and by the server when chunks arrived out of order.
func ChecksumBytes(p []byte) uint32 {
	return crc32.Checksum(p, castagnoli)
}

// sanitizeBaseName strips path components and keeps only the final element,
// per §3's "declared filename (UTF-8, path components stripped)".
func sanitizeBaseName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return name
}

// TruncateFilename deterministically shortens name to fit the wire's 16-byte
// extension area: first 8 bytes of the name, a '~', then the last 7 bytes.
// Names that already fit are returned unchanged. seen tracks truncations
// already used in this client run; on a collision the name is replaced by
// the hex of a stable hash of the original name instead, per §4.1.
func TruncateFilename(name string, seen map[string]bool) string {
	name = sanitizeBaseName(name)
	if len(name) <= wire.MaxPayload {
		if seen != nil {
			seen[name] = true
		}
		return name
	}

	truncated := name[:8] + "~" + name[len(name)-7:]
	if seen == nil || !seen[truncated] {
		if seen != nil {
			seen[truncated] = true
		}
		return truncated
	}

	hashed := fmt.Sprintf("%016x", crc32.Checksum([]byte(name), castagnoli))
	if len(hashed) > wire.MaxPayload {
		hashed = hashed[:wire.MaxPayload]
	}
	if seen != nil {
		seen[hashed] = true
	}
	return hashed
}

// StdinFilename returns the literal ASCII name used when the client ingests
// piped input, per §4.1: "stdin-<utc-epoch-seconds>", truncated the same way
// a real filename would be (with a ten-digit epoch the name is exactly 16
// bytes and needs no truncation, but sharing the rule keeps behavior
// uniform).
func StdinFilename(now time.Time) string {
	name := fmt.Sprintf("stdin-%d", now.UTC().Unix())
	return TruncateFilename(name, nil)
}

// SplitExtension helps a server apply the `-N` collision suffix from §6
// ("second file lands as h-1.txt") without losing a multi-dot extension
// like ".tar.gz" worse than necessary: it only ever splits at the last dot.
func SplitExtension(name string) (stem, ext string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i:]
	}
	return name, ""
}
