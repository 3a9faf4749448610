package integration

import (
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// defaultKillGrace is how long a graceful terminate signal gets before the
// escalation sends a forceful kill.
const defaultKillGrace = 5 * time.Second

// ProcessHandle tracks one running worker process. Handles are ephemeral and
// in-memory only: added on spawn, removed on any terminal outcome, never
// persisted.
type ProcessHandle struct {
	TaskID    string
	StartedAt time.Time

	cmd *exec.Cmd
	// pipes are the parent read-ends of the worker's stdout/stderr, closed as
	// the last escalation step so stream readers cannot be held open by an
	// orphaned subprocess that inherited the write-ends.
	pipes []io.Closer

	mu         sync.Mutex
	terminated bool
}

// Terminate escalates termination: a graceful signal to the worker's process
// group first, a forceful kill after the grace period, then the pipe
// read-ends are closed. Signaling the group, not just the direct child,
// reaches any subprocesses the worker forked. Idempotent.
func (h *ProcessHandle) Terminate(grace time.Duration) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.mu.Unlock()

	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	h.signalGroup(syscall.SIGTERM)
	go func() {
		time.Sleep(grace)
		// Signals to an already-exited group return errors we can ignore.
		h.signalGroup(syscall.SIGKILL)
		h.closePipes()
	}()
}

// signalGroup signals the worker's process group. The spawner starts every
// worker with Setpgid, so the negative pid addresses the whole tree; the
// direct-child signal is the fallback for a group that is already gone.
func (h *ProcessHandle) signalGroup(sig syscall.Signal) {
	if err := syscall.Kill(-h.cmd.Process.Pid, sig); err != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}

// closePipes unblocks the stream readers when a detached grandchild still
// holds the pipe write-ends after the kill.
func (h *ProcessHandle) closePipes() {
	for _, p := range h.pipes {
		_ = p.Close()
	}
}

// WasTerminated reports whether our own escalation signaled the process.
func (h *ProcessHandle) WasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// ProcessTable is the liveness view of all in-flight worker processes,
// shared across concurrently executing tasks. Safe under concurrent mutation.
type ProcessTable struct {
	mu    sync.RWMutex
	procs map[string]*ProcessHandle
}

// NewProcessTable returns an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{procs: make(map[string]*ProcessHandle)}
}

// Add registers a handle under its task ID, replacing any stale entry.
func (t *ProcessTable) Add(h *ProcessHandle) {
	t.mu.Lock()
	t.procs[h.TaskID] = h
	t.mu.Unlock()
}

// Remove drops the handle for a task. Safe to call for unknown IDs.
func (t *ProcessTable) Remove(taskID string) {
	t.mu.Lock()
	delete(t.procs, taskID)
	t.mu.Unlock()
}

// Get returns the live handle for a task, or nil if none is running.
func (t *ProcessTable) Get(taskID string) *ProcessHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.procs[taskID]
}

// Len reports how many worker processes are currently live.
func (t *ProcessTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// TaskIDs lists the tasks with live processes.
func (t *ProcessTable) TaskIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}
	return ids
}

// Terminate escalates termination for a task's process if it is live.
// Returns false when no process is running for the task.
func (t *ProcessTable) Terminate(taskID string) bool {
	h := t.Get(taskID)
	if h == nil {
		return false
	}
	h.Terminate(defaultKillGrace)
	return true
}
