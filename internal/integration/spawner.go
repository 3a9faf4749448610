// Package integration runs the external worker CLI: a bounded FIFO admission
// queue, safe process spawning, and the wiring between the worker's output
// streams, the event parser, and the timeout watchdog.
package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/valter-silva-au/ai-task-delegate/internal/core"
	"github.com/valter-silva-au/ai-task-delegate/internal/protocol"
	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

const (
	// DefaultConcurrency bounds how many worker processes run at once.
	DefaultConcurrency = 2
	// maxQueuedJobs bounds the admission queue itself.
	maxQueuedJobs = 256
	// captureLimit caps the retained stdout/stderr per execution.
	captureLimit = 64 * 1024
	// readChunkSize is the stream read granularity fed to the parser.
	readChunkSize = 4096
)

// ExecOptions describes one worker invocation.
type ExecOptions struct {
	TaskID string

	// Command and Args form the explicit argument vector. The command is
	// never passed through a shell: instruction text cannot be injected.
	Command string
	Args    []string
	Dir     string

	EnvPolicy    models.EnvPolicy
	EnvAllowlist []string
	// ExtraEnv entries are always appended, whatever the policy.
	ExtraEnv map[string]string

	IdleTimeout time.Duration
	HardTimeout time.Duration
	// WarningLead is how far ahead of either deadline the warning fires;
	// HeartbeatInterval paces the liveness ticks. Zero values use the
	// watchdog defaults.
	WarningLead       time.Duration
	HeartbeatInterval time.Duration

	// OnEvent observes each parsed protocol event in arrival order.
	OnEvent func(protocol.Event)
	// OnWarning observes pre-timeout warnings.
	OnWarning func(core.WarningInfo)
	// OnHeartbeat observes liveness ticks.
	OnHeartbeat func(elapsed time.Duration)
}

// ExecResult is the single structured resolution of one invocation. Exactly
// one of the three terminal shapes is populated: a normal exit (exit code,
// possibly a signal), a spawn error, or a timeout envelope.
type ExecResult struct {
	core.ExecOutcome

	StartedAt time.Time
	Duration  time.Duration
}

// WorkerExecutor admits work up to a concurrency limit and runs the external
// worker. Execute resolves with a structured result for every terminal
// outcome it can observe; the returned error is reserved for queue shutdown
// and pre-admission context cancellation.
type WorkerExecutor interface {
	Execute(ctx context.Context, opts ExecOptions) (*ExecResult, error)
	Close()
}

type workerExecutor struct {
	procs *ProcessTable

	jobs      chan *execJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// runProcess is swappable in tests so queue discipline can be exercised
	// without spawning real processes.
	runProcess func(opts ExecOptions) *ExecResult
}

type execJob struct {
	ctx    context.Context
	opts   ExecOptions
	result chan *ExecResult
}

// NewWorkerExecutor starts concurrency admission workers pulling from a FIFO
// queue. concurrency values below 1 fall back to the default of 2.
func NewWorkerExecutor(concurrency int, procs *ProcessTable) WorkerExecutor {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if procs == nil {
		procs = NewProcessTable()
	}
	e := &workerExecutor{
		procs: procs,
		jobs:  make(chan *execJob, maxQueuedJobs),
		done:  make(chan struct{}),
	}
	e.runProcess = e.spawn
	e.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go e.worker()
	}
	return e
}

// Execute enqueues the invocation and blocks until it resolves. Callers
// delegating long operations should run Execute from their own goroutine and
// poll the task registry instead of blocking on the result.
func (e *workerExecutor) Execute(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
	if opts.Command == "" {
		return nil, errors.New("worker command is required")
	}
	job := &execJob{ctx: ctx, opts: opts, result: make(chan *ExecResult, 1)}

	select {
	case <-e.done:
		return nil, errors.New("executor is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case e.jobs <- job:
	}

	select {
	case res := <-job.result:
		return res, nil
	case <-ctx.Done():
		// The admission worker skips jobs whose context is already canceled,
		// and the result channel is buffered, so nothing is left blocked.
		return nil, ctx.Err()
	case <-e.done:
		return nil, errors.New("executor closed while waiting for result")
	}
}

// Close stops admitting work and waits for the admission workers to drain.
func (e *workerExecutor) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}

func (e *workerExecutor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case job := <-e.jobs:
			if job.ctx != nil && job.ctx.Err() != nil {
				// Abandoned while queued; nobody is waiting for the result.
				continue
			}
			job.result <- e.runProcess(job.opts)
		}
	}
}

// spawn runs one worker process to completion, wiring stdout through the
// event parser and both streams through the watchdog's activity tracker.
func (e *workerExecutor) spawn(opts ExecOptions) *ExecResult {
	res := &ExecResult{StartedAt: time.Now()}
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = BuildEnv(opts.EnvPolicy, opts.EnvAllowlist, opts.ExtraEnv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.SpawnErr = fmt.Errorf("opening stdout pipe: %w", err)
		return res
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.SpawnErr = fmt.Errorf("opening stderr pipe: %w", err)
		return res
	}

	// Own process group, so termination escalation can signal the worker's
	// whole tree rather than only the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		res.SpawnErr = err
		return res
	}

	handle := &ProcessHandle{
		TaskID:    opts.TaskID,
		StartedAt: res.StartedAt,
		cmd:       cmd,
		pipes:     []io.Closer{stdout, stderr},
	}
	e.procs.Add(handle)
	defer e.procs.Remove(opts.TaskID)

	var (
		mu          sync.Mutex
		timeoutInfo *core.TimeoutInfo
	)
	wd := core.NewWatchdog(opts.TaskID, core.WatchdogConfig{
		IdleTimeout:       opts.IdleTimeout,
		HardTimeout:       opts.HardTimeout,
		WarningLead:       opts.WarningLead,
		HeartbeatInterval: opts.HeartbeatInterval,
		OnHeartbeat:       opts.OnHeartbeat,
		OnWarning:         opts.OnWarning,
		OnTimeout: func(info core.TimeoutInfo) {
			mu.Lock()
			timeoutInfo = &info
			mu.Unlock()
		},
		Terminate: func() { handle.Terminate(defaultKillGrace) },
	})
	defer wd.Stop()

	parser := protocol.NewStreamParser()
	var (
		events    []protocol.Event
		stdoutBuf cappedBuffer
		stderrBuf cappedBuffer
	)
	stdoutBuf.limit = captureLimit
	stderrBuf.limit = captureLimit

	deliver := func(ev protocol.Event) {
		wd.RecordEvent(ev)
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				wd.RecordOutput(chunk)
				stdoutBuf.Write(chunk)
				for _, ev := range parser.Feed(chunk) {
					deliver(ev)
				}
			}
			if rerr != nil {
				if ev := parser.Flush(); ev != nil {
					deliver(*ev)
				}
				return
			}
		}
	}()
	go func() {
		defer readers.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				wd.RecordOutput(buf[:n])
				stderrBuf.Write(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	wd.Stop()

	mu.Lock()
	res.Events = events
	res.Timeout = timeoutInfo
	mu.Unlock()
	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()
	res.GracefulKill = handle.WasTerminated()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				res.ExitCode = -1
				res.Signal = ws.Signal().String()
			}
		} else {
			res.SpawnErr = waitErr
		}
	}
	if res.Timeout != nil {
		// The timeout envelope is the terminal shape; exit code and signal
		// describe only how the escalation ended the process.
		res.ExitCode = -1
		res.Signal = ""
	}
	return res
}

// BuildEnv constructs the worker environment for the selected policy:
// inherit none (default), inherit all, or an explicit allow-list of names.
// Extra variables are appended last and win over inherited values.
func BuildEnv(policy models.EnvPolicy, allowlist []string, extra map[string]string) []string {
	var env []string
	switch policy {
	case models.EnvInheritAll:
		env = os.Environ()
	case models.EnvAllowlist:
		for _, name := range allowlist {
			if val, ok := os.LookupEnv(name); ok {
				env = append(env, name+"="+val)
			}
		}
	default:
		// EnvInheritNone: start from nothing.
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// cappedBuffer retains only the last limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if b.limit > 0 && len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
