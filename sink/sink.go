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
Package sink implements the storage-root collaborator the server engine
writes reassembled files through. The core protocol never touches a
filesystem directly (§1): it only sees the Sink interface's
begin/append/commit/abort operations, so this package is explicitly an
external collaborator, not part of the covert wire protocol.
*/
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Sink is the abstract storage root the server engine reassembles files
// through. Implementations must guarantee that a file is never visible
// under its final name until Commit succeeds.
type Sink interface {
	// Begin opens a new in-progress handle for transferID. declaredSize is
	// advisory, used only to preallocate.
	Begin(transferID uint32, declaredSize uint64) (Handle, error)
}

// Handle is one in-progress reassembly, open for the lifetime of a single
// server-side Transfer Session.
type Handle interface {
	// WriteAt writes p at the given byte offset, idempotently: a second
	// write to the same offset with the same bytes is harmless.
	WriteAt(offset int64, p []byte) error
	// Commit publishes the handle's content under finalName, applying the
	// overwrite/collision policy, and returns the name actually used.
	Commit(finalName string, overwrite bool) (string, error)
	// Abort discards the handle and removes any on-disk trace of it.
	Abort() error
	// FullContent returns everything written so far, for the one-pass
	// CRC32C recompute §4.2 requires when chunks arrived out of order.
	FullContent() ([]byte, error)
}

// FSSink is the default Sink implementation: a directory on local disk,
// using the ".ntpspy-<id>-<rand>.part" temp-file naming from §4.3/§6.
type FSSink struct {
	root string
}

// NewFSSink returns a Sink rooted at dir. dir must already exist.
func NewFSSink(dir string) (*FSSink, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("sink: storage root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sink: storage root %q is not a directory", dir)
	}
	return &FSSink{root: dir}, nil
}

// tempPrefix is shared with Sweep so both agree on what a stale part file
// looks like.
const tempPrefix = ".ntpspy-"
const tempSuffix = ".part"

// Sweep deletes any leftover ".ntpspy-*.part" file in dir, per §4.3's
// mandatory startup sweep. It is the caller's (the server engine's)
// responsibility to run this exactly once, before binding the socket.
func Sweep(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("sink: sweep: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("sink: sweep: removing %s: %w", name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Begin implements Sink.
func (s *FSSink) Begin(transferID uint32, declaredSize uint64) (Handle, error) {
	name := fmt.Sprintf("%s%d-%s%s", tempPrefix, transferID, uuid.NewString(), tempSuffix)
	path := filepath.Join(s.root, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sink: begin: %w", err)
	}
	if declaredSize > 0 {
		// Best-effort preallocation; failure here is not fatal, later
		// WriteAt calls will simply grow the file as needed.
		_ = f.Truncate(int64(declaredSize))
	}
	return &fsHandle{root: s.root, path: path, file: f}, nil
}

type fsHandle struct {
	root string
	path string
	file *os.File
}

// WriteAt implements Handle.
func (h *fsHandle) WriteAt(offset int64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := h.file.WriteAt(p, offset)
	return err
}

// Commit implements Handle. It applies the collision policy from §6: when
// overwrite is false and finalName already exists, "-1", "-2", ... is
// inserted before the extension until a free name is found.
func (h *fsHandle) Commit(finalName string, overwrite bool) (string, error) {
	if err := h.file.Sync(); err != nil {
		_ = h.file.Close()
		return "", fmt.Errorf("sink: commit: sync: %w", err)
	}
	if err := h.file.Close(); err != nil {
		return "", fmt.Errorf("sink: commit: close: %w", err)
	}

	target, err := resolveCollision(h.root, finalName, overwrite)
	if err != nil {
		return "", err
	}

	if err := os.Rename(h.path, filepath.Join(h.root, target)); err != nil {
		return "", fmt.Errorf("sink: commit: rename: %w", err)
	}
	return target, nil
}

// FullContent implements Handle. It reopens the temp file for reading so
// the write descriptor's offset is left undisturbed for subsequent WriteAt
// calls.
func (h *fsHandle) FullContent() ([]byte, error) {
	if err := h.file.Sync(); err != nil {
		return nil, fmt.Errorf("sink: fullcontent: sync: %w", err)
	}
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("sink: fullcontent: open: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sink: fullcontent: read: %w", err)
	}
	return data, nil
}

// Abort implements Handle.
func (h *fsHandle) Abort() error {
	_ = h.file.Close()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sink: abort: %w", err)
	}
	return nil
}

func resolveCollision(root, finalName string, overwrite bool) (string, error) {
	if overwrite {
		return finalName, nil
	}
	candidate := finalName
	stem, ext := splitExt(finalName)
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(root, candidate)); err != nil {
			if os.IsNotExist(err) {
				return candidate, nil
			}
			return "", fmt.Errorf("sink: commit: stat: %w", err)
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
}

func splitExt(name string) (stem, ext string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i:]
	}
	return name, ""
}
