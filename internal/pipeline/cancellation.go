package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CancellationRegistry maps task ids to cancellation state. Cancellation is
// tracked as a per-task epoch counter: Cancel bumps the epoch, and a stage
// result is applied only when the epoch at completion still matches the
// epoch at stage start, so late-arriving results from an already-cancelled
// call are discarded instead of persisted.
type CancellationRegistry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*cancelEntry
}

type cancelEntry struct {
	epoch     uint64
	cancelled bool
	abort     context.CancelFunc
}

func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{entries: make(map[uuid.UUID]*cancelEntry)}
}

// Register adds a task with its abort hook, or attaches the hook to an
// entry registered earlier. A cancel flag raised before the attach survives
// it, so a cancel landing between task creation and the run goroutine's
// startup is still observed at the first checkpoint. The abort hook forwards
// the cancel request into the in-flight AI call (best-effort) by cancelling
// the run's context.
func (r *CancellationRegistry) Register(id uuid.UUID, abort context.CancelFunc) *CancelHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		entry = &cancelEntry{}
		r.entries[id] = entry
	}
	entry.abort = abort
	return &CancelHandle{registry: r, id: id}
}

// Unregister must be called on terminal transition to bound growth.
func (r *CancellationRegistry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Cancel flips the task's cancelled flag, bumps its epoch and forwards the
// abort. Returns false when the task is unknown (already finished or never
// registered).
func (r *CancellationRegistry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry.cancelled = true
	entry.epoch++
	abort := entry.abort
	r.mu.Unlock()

	if abort != nil {
		abort()
	}
	return true
}

func (r *CancellationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelHandle is the orchestrator's view of one task's cancellation state.
type CancelHandle struct {
	registry *CancellationRegistry
	id       uuid.UUID
}

func (h *CancelHandle) Cancelled() bool {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	entry, ok := h.registry.entries[h.id]
	return ok && entry.cancelled
}

func (h *CancelHandle) Epoch() uint64 {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if entry, ok := h.registry.entries[h.id]; ok {
		return entry.epoch
	}
	return 0
}

// Stale reports whether a result observed now must be discarded: the task
// was cancelled or its epoch moved past the one captured at stage start.
func (h *CancelHandle) Stale(epoch uint64) bool {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	entry, ok := h.registry.entries[h.id]
	if !ok {
		return true
	}
	return entry.cancelled || entry.epoch != epoch
}
