package transfer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
)

// Options configures a Manager.
type Options struct {
	// MaxPerSession caps concurrent transfers per session. Zero means no cap.
	MaxPerSession int
	// OnActiveChange is called with the new index size after every insert or
	// removal. It must not call back into the Manager.
	OnActiveChange func(active int)
}

// Manager is the shared transfer index used by both file backends.
type Manager struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer

	maxPerSession  int
	onActiveChange func(int)

	now   func() time.Time
	newID func() string
}

// NewManager returns an empty Manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		transfers:      make(map[string]*Transfer),
		maxPerSession:  opts.MaxPerSession,
		onActiveChange: opts.OnActiveChange,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// Create registers a new pending transfer owned by spec.SessionID.
func (m *Manager) Create(spec Spec) (*Transfer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transfer{
		SessionID:    spec.SessionID,
		ConnectionID: spec.ConnectionID,
		Direction:    spec.Direction,
		RemotePath:   spec.RemotePath,
		FileName:     spec.FileName,
		TotalSize:    spec.TotalSize,
		StartedAt:    m.now(),
		ctx:          ctx,
		cancel:       cancel,
		state:        StatePending,
		handle:       spec.Handle,
		cleanup:      spec.Cleanup,
	}

	m.mu.Lock()
	if m.maxPerSession > 0 && m.countLocked(spec.SessionID) >= m.maxPerSession {
		m.mu.Unlock()
		cancel()
		return nil, fileservice.Errorf(fileservice.CodeTooManyTransfers,
			"session %s already has %d transfers", spec.SessionID, m.maxPerSession)
	}
	for {
		t.ID = m.newID()
		if _, taken := m.transfers[t.ID]; !taken {
			break
		}
	}
	m.transfers[t.ID] = t
	n := len(m.transfers)
	m.mu.Unlock()

	m.notify(n)
	return t, nil
}

func (m *Manager) countLocked(sessionID string) int {
	n := 0
	for _, t := range m.transfers {
		if t.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Get returns the transfer with id, checking that sessionID owns it. An
// unknown id yields a not-found error and a foreign one an ownership-mismatch
// error; the adapter reports both to clients identically.
func (m *Manager) Get(id, sessionID string) (*Transfer, error) {
	m.mu.RLock()
	t, ok := m.transfers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	if t.SessionID != sessionID {
		return nil, mismatch(id)
	}
	return t, nil
}

// Verify is Get without the transfer.
func (m *Manager) Verify(id, sessionID string) error {
	_, err := m.Get(id, sessionID)
	return err
}

// CountConnection returns the number of live transfers on a connection.
func (m *Manager) CountConnection(connectionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.transfers {
		if t.ConnectionID == connectionID {
			n++
		}
	}
	return n
}

// Len returns the number of live transfers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transfers)
}

// ChunkWriter writes one upload chunk to the backend. h is the handle
// attached to the transfer (nil for backends that write per chunk).
type ChunkWriter func(h io.Closer, data []byte) error

// ApplyChunk validates an upload chunk and passes it to write while holding
// the transfer's lock, so chunks of one transfer are written strictly in
// order. The index must equal the expected next index; a rejected chunk
// leaves the transfer untouched. A chunk that would overrun the declared size
// or a failing write ends the transfer as errored.
func (m *Manager) ApplyChunk(id, sessionID string, index int, data []byte, write ChunkWriter) (*fileservice.ChunkAck, error) {
	t, err := m.Get(id, sessionID)
	if err != nil {
		return nil, err
	}
	if t.Direction != fileservice.DirectionUpload {
		return nil, notFound(id)
	}

	t.mu.Lock()
	if t.claimedLocked() {
		t.mu.Unlock()
		return nil, notFound(id)
	}
	if index != t.nextChunk {
		expected := t.nextChunk
		t.mu.Unlock()
		return nil, fileservice.Errorf(fileservice.CodeChunkOutOfOrder,
			"expected chunk %d, got %d", expected, index).WithTransfer(id)
	}
	if t.bytes+int64(len(data)) > t.TotalSize {
		t.mu.Unlock()
		m.fail(t)
		return nil, fileservice.Errorf(fileservice.CodeSizeMismatch,
			"chunk %d overruns declared size %d", index, t.TotalSize).WithTransfer(id)
	}
	if len(data) > 0 {
		if err := write(t.handle, data); err != nil {
			t.mu.Unlock()
			m.fail(t)
			fe := fileservice.AsError(err)
			if fe.TransferID == "" {
				fe = fe.WithTransfer(id)
			}
			return nil, fe
		}
	}
	t.bytes += int64(len(data))
	t.nextChunk++
	t.state = StateActive
	ack := &fileservice.ChunkAck{
		TransferID:    id,
		ChunkIndex:    index,
		BytesReceived: t.bytes,
		TotalBytes:    t.TotalSize,
	}
	t.mu.Unlock()
	return ack, nil
}

// Advance records n bytes sent by a download. It returns false once the
// transfer has been claimed.
func (m *Manager) Advance(t *Transfer, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.claimedLocked() {
		return false
	}
	t.bytes += int64(n)
	t.nextChunk++
	t.state = StateActive
	return true
}

// Claim moves a transfer to a terminal state and removes it from the index.
// Exactly one caller can claim a given transfer; everyone after it gets
// not-found. The transfer's context is cancelled before Claim returns so a
// running download pump stops at its next chunk boundary.
func (m *Manager) Claim(id, sessionID string, to State) (*Transfer, error) {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(id)
	}
	if t.SessionID != sessionID {
		m.mu.Unlock()
		return nil, mismatch(id)
	}
	delete(m.transfers, id)
	n := len(m.transfers)
	t.cancel()
	m.mu.Unlock()

	// Waits for an in-flight chunk write to finish.
	t.mu.Lock()
	t.state = to
	t.finishedAt = m.now()
	t.mu.Unlock()

	m.notify(n)
	return t, nil
}

// Cancel claims a transfer of the given direction as cancelled and aborts it,
// closing its handle and running its cleanup hook.
func (m *Manager) Cancel(id, sessionID string, dir fileservice.Direction) (*Transfer, error) {
	t, err := m.Get(id, sessionID)
	if err != nil {
		return nil, err
	}
	if t.Direction != dir {
		return nil, notFound(id)
	}
	t, err = m.Claim(id, sessionID, StateCancelled)
	if err != nil {
		return nil, err
	}
	t.Abort()
	return t, nil
}

// CompleteUpload claims an upload as completed, requiring every declared byte
// to have arrived, and closes its writer. On a short upload or a failing
// close the transfer ends as errored and its partial file is cleaned up.
func (m *Manager) CompleteUpload(id, sessionID string) (*Transfer, error) {
	t, err := m.Get(id, sessionID)
	if err != nil {
		return nil, err
	}
	if t.Direction != fileservice.DirectionUpload {
		return nil, notFound(id)
	}
	t, err = m.Claim(id, sessionID, StateCompleted)
	if err != nil {
		return nil, err
	}
	if got := t.BytesTransferred(); got != t.TotalSize {
		t.setState(StateErrored)
		t.Abort()
		return nil, fileservice.Errorf(fileservice.CodeSizeMismatch,
			"received %d of %d bytes", got, t.TotalSize).WithTransfer(id)
	}
	if err := t.CloseHandle(); err != nil {
		t.setState(StateErrored)
		t.Abort()
		return nil, fileservice.Wrap(fileservice.CodeTransferFailed, err, t.RemotePath).WithTransfer(id)
	}
	return t, nil
}

// CancelSession claims every transfer owned by sessionID as cancelled and
// aborts it. It returns the cancelled transfers.
func (m *Manager) CancelSession(sessionID string) []*Transfer {
	m.mu.RLock()
	var ids []string
	for id, t := range m.transfers {
		if t.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var out []*Transfer
	for _, id := range ids {
		t, err := m.Claim(id, sessionID, StateCancelled)
		if err != nil {
			// Lost the race to a concurrent complete or cancel.
			continue
		}
		t.Abort()
		out = append(out, t)
	}
	return out
}

// fail claims t as errored (if still live) and aborts it.
func (m *Manager) fail(t *Transfer) {
	if _, err := m.Claim(t.ID, t.SessionID, StateErrored); err == nil {
		t.Abort()
	}
}

func (m *Manager) notify(n int) {
	if m.onActiveChange != nil {
		m.onActiveChange(n)
	}
}

func notFound(id string) *fileservice.Error {
	return fileservice.Errorf(fileservice.CodeNotFound, "unknown transfer").WithTransfer(id)
}

func mismatch(id string) *fileservice.Error {
	return fileservice.Errorf(fileservice.CodeOwnershipMismatch, "transfer owned by another session").WithTransfer(id)
}
