// Package transfer tracks in-flight uploads and downloads.
//
// The [Manager] owns the only shared mutable index in the gateway. Every
// transfer is keyed by a server-generated UUID and records the session that
// created it; every operation after creation must present that session.
// Terminal transitions go through [Manager.Claim], which removes the entry
// atomically so a racing complete/cancel pair resolves to exactly one winner.
//
// Lifecycle:
//  1. Create()           → pending
//  2. first chunk        → active
//  3. Claim(...)         → completed | cancelled | errored (removed from index)
package transfer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
)

// State is the lifecycle state of a transfer.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// Spec describes a transfer to create.
type Spec struct {
	SessionID    string
	ConnectionID string
	Direction    fileservice.Direction
	RemotePath   string
	FileName     string
	TotalSize    int64
	// Handle is the backend writer/reader, closed when the transfer ends. May
	// be set later with Attach.
	Handle io.Closer
	// Cleanup runs after the handle is closed when a transfer is cancelled or
	// fails (for uploads: removing the partial remote file).
	Cleanup func()
}

// Transfer is one managed upload or download.
type Transfer struct {
	ID           string
	SessionID    string
	ConnectionID string
	Direction    fileservice.Direction
	RemotePath   string
	FileName     string
	TotalSize    int64
	StartedAt    time.Time

	// ctx is cancelled the moment the transfer is claimed. Download pumps
	// poll it between chunks.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	bytes      int64
	nextChunk  int
	handle     io.Closer
	cleanup    func()
	finishedAt time.Time
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BytesTransferred returns the cumulative byte count.
func (t *Transfer) BytesTransferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// NextChunk returns the chunk index the transfer expects next.
func (t *Transfer) NextChunk() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextChunk
}

// Done is closed once the transfer has been claimed.
func (t *Transfer) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Attach binds the backend handle and cleanup hook once the remote side has
// been opened. If the transfer was already claimed the handle is closed, the
// hook is run and false is returned.
func (t *Transfer) Attach(h io.Closer, cleanup func()) bool {
	t.mu.Lock()
	if !t.claimedLocked() {
		t.handle = h
		t.cleanup = cleanup
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()
	if h != nil {
		h.Close()
	}
	if cleanup != nil {
		cleanup()
	}
	return false
}

// Handle returns the attached backend handle, or nil.
func (t *Transfer) Handle() io.Closer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// CloseHandle closes the backend handle (flushing an upload) exactly once.
func (t *Transfer) CloseHandle() error {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// Abort closes the handle and runs the cleanup hook. Safe to call more than
// once; the hook runs at most once.
func (t *Transfer) Abort() {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	cleanup := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	if h != nil {
		h.Close()
	}
	if cleanup != nil {
		cleanup()
	}
}

// Summary returns the completion record.
func (t *Transfer) Summary() fileservice.TransferSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := t.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return fileservice.TransferSummary{
		TransferID:       t.ID,
		Direction:        t.Direction,
		RemotePath:       t.RemotePath,
		BytesTransferred: t.bytes,
		TotalBytes:       t.TotalSize,
		DurationMs:       end.Sub(t.StartedAt).Milliseconds(),
	}
}

// Progress returns the current progress snapshot.
func (t *Transfer) Progress() fileservice.Progress {
	return fileservice.NewProgress(t.ID, t.Direction, t.BytesTransferred(), t.TotalSize)
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// claimedLocked reports whether the transfer can no longer be acted upon.
// t.mu must be held.
func (t *Transfer) claimedLocked() bool {
	return t.state.Terminal() || t.ctx.Err() != nil
}
