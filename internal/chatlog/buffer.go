// Package chatlog retains the last few relayed messages per active dialog,
// in memory only. The engine attaches the snapshot to complaint alerts so
// admins see context; nothing here is persisted, and the log is dropped the
// moment the dialog ends.
package chatlog

import (
	"sync"

	"github.com/duologue/matchbot/internal/protocol"
)

// SnapshotSize is the number of recent messages retained per dialog.
const SnapshotSize = 10

// Buffer stores the last N messages per dialog. It is goroutine-safe and
// uses a ring buffer internally.
type Buffer struct {
	mu   sync.RWMutex
	logs map[string]*ring // dialogID -> ring
}

type ring struct {
	items []protocol.SnapshotMessage
	pos   int
	count int
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		logs: make(map[string]*ring),
	}
}

// Record appends a relayed message to the dialog's ring. When the ring is
// full, the oldest message is overwritten.
func (b *Buffer) Record(dialogID string, msg protocol.SnapshotMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.logs[dialogID]
	if !ok {
		r = &ring{
			items: make([]protocol.SnapshotMessage, SnapshotSize),
		}
		b.logs[dialogID] = r
	}

	r.items[r.pos] = msg
	r.pos = (r.pos + 1) % SnapshotSize
	if r.count < SnapshotSize {
		r.count++
	}
}

// Snapshot returns the dialog's retained messages in chronological order
// (oldest first). Returns an empty slice for an unknown dialog.
func (b *Buffer) Snapshot(dialogID string) []protocol.SnapshotMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.logs[dialogID]
	if !ok {
		return []protocol.SnapshotMessage{}
	}

	out := make([]protocol.SnapshotMessage, r.count)
	// The oldest message sits at (pos - count) mod SnapshotSize.
	start := (r.pos - r.count + SnapshotSize) % SnapshotSize
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%SnapshotSize]
	}
	return out
}

// Drop deletes the dialog's log (called on termination).
func (b *Buffer) Drop(dialogID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.logs, dialogID)
}
