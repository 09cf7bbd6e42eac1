// Package cachedfile implements the cached-file actor (component B): an
// in-memory JSON snapshot backed by a single file on disk, serving Read,
// Write (full replace), Patch (RFC 7396 merge), and Shutdown over the same
// mailbox pattern internal/cache uses (spec.md §4.7 "The same actor pattern
// is used for the cached-file").
package cachedfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/fsatomic"
)

// File is the actor handle for a single JSON-backed file holding a value of
// type T.
type File[T any] struct {
	mailbox chan func()
	stop    chan struct{}
	closed  chan struct{}
	st      *state[T]
}

type state[T any] struct {
	path    string
	perm    os.FileMode
	raw     []byte // last-written-or-loaded JSON encoding of value
	value   T
	present bool // false if the backing file did not exist at load time
}

// Open loads path if it exists, decoding its contents into a T; if the file
// is absent, the cache starts empty and the first Write or Patch creates
// it. A decode failure is returned rather than silently discarded, since a
// corrupt state file is exactly the kind of thing an operator needs to
// know about at startup.
func Open[T any](path string, perm os.FileMode) (*File[T], error) {
	st := &state[T]{path: path, perm: perm}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var value T
		if jsonErr := json.Unmarshal(data, &value); jsonErr != nil {
			return nil, fmt.Errorf("cachedfile: decode %s: %w", path, jsonErr)
		}
		st.value = value
		st.raw = data
		st.present = true
	case os.IsNotExist(err):
		empty, marshalErr := json.Marshal(st.value)
		if marshalErr != nil {
			return nil, fmt.Errorf("cachedfile: marshal zero value: %w", marshalErr)
		}
		st.raw = empty
	default:
		return nil, fmt.Errorf("cachedfile: read %s: %w", path, err)
	}

	f := &File[T]{
		mailbox: make(chan func(), 16),
		stop:    make(chan struct{}),
		closed:  make(chan struct{}),
		st:      st,
	}
	go f.run()
	return f, nil
}

func (f *File[T]) run() {
	defer close(f.closed)
	for {
		select {
		case fn := <-f.mailbox:
			fn()
		case <-f.stop:
			return
		}
	}
}

func (f *File[T]) send(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case f.mailbox <- wrapped:
	case <-f.closed:
		return agenterrors.ErrShutdown
	}
	select {
	case <-done:
		return nil
	case <-f.closed:
		return agenterrors.ErrShutdown
	}
}

// Shutdown stops the actor. Safe to call more than once.
func (f *File[T]) Shutdown() error {
	select {
	case <-f.closed:
		return nil
	default:
	}
	select {
	case f.stop <- struct{}{}:
	case <-f.closed:
	}
	<-f.closed
	return nil
}

// Read returns the current value and whether the backing file was present
// at load time (or has been written since).
func (f *File[T]) Read() (value T, present bool, err error) {
	err = f.send(func() {
		value = f.st.value
		present = f.st.present
	})
	return value, present, err
}

// Write replaces the value wholesale and writes it to disk atomically.
func (f *File[T]) Write(value T) error {
	var callErr error
	err := f.send(func() {
		callErr = f.writeLocked(value)
	})
	if err != nil {
		return err
	}
	return callErr
}

func (f *File[T]) writeLocked(value T) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cachedfile: marshal %s: %w", f.st.path, err)
	}
	if err := fsatomic.WriteFile(f.st.path, encoded, f.st.perm, fsatomic.Allow); err != nil {
		return fmt.Errorf("cachedfile: write %s: %w", f.st.path, err)
	}
	f.st.value = value
	f.st.raw = encoded
	f.st.present = true
	return nil
}

// Patch merges patchJSON (an RFC 7396 JSON Merge Patch document) into the
// current content. If the merge result is byte-identical to what is
// currently cached, the write is skipped entirely — this is the "no-op
// skip" property tests rely on (spec.md §8 property 8): it holds even if
// the backing file has been deleted out from under the cache, since the
// comparison is against the in-memory raw snapshot, not a fresh disk read.
//
// jsonpatch.MergePatch decodes into a generic map and re-encodes it, which
// does not necessarily match the field order json.Marshal(T) would
// produce; the merged document is therefore decoded into T and
// re-canonicalized through json.Marshal before the byte comparison, so the
// no-op check never trips on encoder formatting differences alone.
func (f *File[T]) Patch(patchJSON []byte) error {
	var callErr error
	err := f.send(func() {
		merged, err := jsonpatch.MergePatch(f.st.raw, patchJSON)
		if err != nil {
			callErr = fmt.Errorf("cachedfile: merge patch for %s: %w", f.st.path, err)
			return
		}
		var value T
		if err := json.Unmarshal(merged, &value); err != nil {
			callErr = fmt.Errorf("cachedfile: decode merged patch for %s: %w", f.st.path, err)
			return
		}
		canonical, err := json.Marshal(value)
		if err != nil {
			callErr = fmt.Errorf("cachedfile: canonicalize merged patch for %s: %w", f.st.path, err)
			return
		}
		if bytes.Equal(canonical, f.st.raw) {
			return
		}
		if err := fsatomic.WriteFile(f.st.path, canonical, f.st.perm, fsatomic.Allow); err != nil {
			callErr = fmt.Errorf("cachedfile: write %s: %w", f.st.path, err)
			return
		}
		f.st.value = value
		f.st.raw = canonical
		f.st.present = true
	})
	if err != nil {
		return err
	}
	return callErr
}
