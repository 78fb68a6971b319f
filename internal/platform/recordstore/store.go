// Package recordstore provides a path-addressed JSON record store modelled on a
// real-time tree database. Records live at slash-separated paths such as
// "appointment/7/42"; reads can be taken once (Snapshot) or followed
// continuously (Watch).
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Record is a single stored value and the path it lives at.
type Record struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Key returns the last path segment of the record.
func (r Record) Key() string {
	return Base(r.Path)
}

// Decode unmarshals the record value into v.
func (r Record) Decode(v interface{}) error {
	return json.Unmarshal(r.Value, v)
}

// Store is the contract every backend satisfies. Implementations must be safe
// for concurrent use.
type Store interface {
	// Put inserts or replaces the record at path. A replaced record keeps its
	// original insertion position.
	Put(ctx context.Context, path string, value json.RawMessage) error
	// Get returns the record value at path, or nil when nothing is stored there.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Delete removes the record at path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
	// Snapshot returns every record strictly below prefix in insertion order.
	Snapshot(ctx context.Context, prefix string) ([]Record, error)
	// Watch delivers an initial snapshot of prefix and a fresh snapshot after
	// each change below it. The channel is closed when ctx is done or the
	// subscription fails.
	Watch(ctx context.Context, prefix string) (<-chan []Record, error)
	Close() error
}

// Error is the failure reported by a backend. It carries a human readable
// message rather than a typed hierarchy.
type Error struct {
	Op      string
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("recordstore %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("recordstore %s %s: %s", e.Op, e.Path, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Path: path, Message: err.Error(), Err: err}
}

// ErrInvalidPath is returned for empty paths or paths with empty segments.
var ErrInvalidPath = errors.New("invalid record path")

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Base returns the last segment of path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ValidatePath rejects empty paths and empty or padded segments.
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || strings.TrimSpace(seg) != seg {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// under reports whether path lies strictly below prefix.
func under(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// watchBuffer bounds how many snapshots a slow watcher may lag behind before
// intermediate snapshots are dropped. Each snapshot is complete, so skipping
// stale ones loses nothing.
const watchBuffer = 4

// offer sends snap on ch, replacing the oldest queued snapshot when full.
func offer(ch chan []Record, snap []Record) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
