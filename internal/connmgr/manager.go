// Package connmgr runs raw pull jobs on a single background worker.
//
// Jobs are processed strictly in enqueue order. Stop is cooperative: the
// worker checks for cancellation between jobs, so a job that is already
// running finishes (or fails) before the worker exits. Options.IOTimeout
// bounds how long a stalled source can hold up that exit.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/sheerbytes/memfetch/internal/wire"
)

// ErrManagerClosed is returned by Enqueue and Start after Stop.
var ErrManagerClosed = errors.New("connection manager closed")

// ErrInsufficientSpace indicates the destination cannot hold the announced artifact.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// State is the lifecycle state of a Manager.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopRequested
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Manager.
type Options struct {
	// Dialer opens the stream for each job. Default: TCPDialer.
	Dialer Dialer
	// IOTimeout is applied as a read deadline before every read. Zero disables.
	IOTimeout time.Duration
	// CheckFreeSpace rejects jobs whose announced size exceeds the free space
	// of the destination filesystem.
	CheckFreeSpace bool
	// Progress receives byte counts labeled with the base name of the job's
	// destination. The name announced by the source is only logged.
	Progress func(name string, soFar, total int64)
	// OnResult is called on the worker goroutine after every job.
	OnResult func(Result)
	Logger   *slog.Logger
}

// Manager owns the job queue and the worker goroutine.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Job
	state  State
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	wake chan struct{}

	// freeSpace is replaced in tests.
	freeSpace func(dir string) (uint64, error)
}

// New returns a stopped manager. Jobs may be enqueued before Start.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = TCPDialer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		logger:    logger.With("component", "connmgr"),
		wake:      make(chan struct{}, 1),
		freeSpace: diskFree,
	}
}

// Enqueue appends job to the queue and returns without waiting for it.
func (m *Manager) Enqueue(job Job) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.queue = append(m.queue, job)
	pending := len(m.queue)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.logger.Debug("job queued", "job", job.ID, "addr", job.Addr(), "dest", job.Destination, "pending", pending)
	return nil
}

// Start launches the worker. It is a no-op while the worker is running.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.state == StateRunning {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateRunning
	go m.run(ctx, m.done)
	m.logger.Info("connection manager started")
	return nil
}

// Stop requests cancellation and waits for the worker to exit. Jobs still
// queued are not processed. Stop is idempotent and safe without Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	if m.state != StateRunning {
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	m.state = StateStopRequested
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done

	m.mu.Lock()
	m.state = StateStopped
	pending := len(m.queue)
	m.mu.Unlock()
	m.logger.Info("connection manager stopped", "pending", pending)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns the number of queued jobs not yet picked up.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		job, ok := m.next(ctx)
		if !ok {
			return
		}
		m.process(job)
	}
}

// next blocks until a job is available or ctx is cancelled. Cancellation
// wins over a non-empty queue.
func (m *Manager) next(ctx context.Context) (Job, bool) {
	for {
		if ctx.Err() != nil {
			return Job{}, false
		}
		m.mu.Lock()
		if len(m.queue) > 0 {
			job := m.queue[0]
			m.queue[0] = Job{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return job, true
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, false
		case <-m.wake:
		}
	}
}

func (m *Manager) process(job Job) {
	start := time.Now()
	log := m.logger.With("job", job.ID, "addr", job.Addr(), "dest", job.Destination)
	log.Info("pull started")

	name, n, err := m.fetch(job)
	res := Result{Job: job, Name: name, Bytes: n, Duration: time.Since(start), Err: err}
	if err != nil {
		log.Error("pull failed", "error", err, "bytes", n)
	} else {
		log.Info("pull completed", "name", name, "bytes", n, "duration", res.Duration)
	}
	if m.opts.OnResult != nil {
		m.opts.OnResult(res)
	}
}

// fetch runs one job to completion. The job is not bound to the manager's
// cancellation: an in-flight pull always finishes or fails on its own.
func (m *Manager) fetch(job Job) (string, int64, error) {
	rc, err := m.opts.Dialer.Dial(context.Background(), job.Addr())
	if err != nil {
		return "", 0, &JobError{Job: job, Op: "dial", Err: err}
	}
	defer rc.Close()

	var r io.Reader = rc
	if m.opts.IOTimeout > 0 {
		if dl, ok := rc.(readDeadliner); ok {
			r = &deadlineReader{r: rc, dl: dl, timeout: m.opts.IOTimeout}
		}
	}

	header, err := wire.ReadHeader(r)
	if err != nil {
		return "", 0, &JobError{Job: job, Op: "read header", Err: err}
	}
	name := header.Name
	if name == "" {
		name = filepath.Base(job.Destination)
	}

	dir := filepath.Dir(job.Destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return name, 0, &JobError{Job: job, Op: "create directory", Err: err}
	}
	if m.opts.CheckFreeSpace {
		free, err := m.freeSpace(dir)
		if err != nil {
			m.logger.Warn("free space check failed", "dir", dir, "error", err)
		} else if uint64(header.Size) > free {
			return name, 0, &JobError{Job: job, Op: "check space",
				Err: fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, header.Size, free)}
		}
	}

	f, err := os.Create(job.Destination)
	if err != nil {
		return name, 0, &JobError{Job: job, Op: "create file", Err: err}
	}

	var progressFn func(received, total int64)
	if m.opts.Progress != nil {
		label := filepath.Base(job.Destination)
		progressFn = func(received, total int64) {
			m.opts.Progress(label, received, total)
		}
	}
	n, err := wire.Receive(r, f, header.Size, progressFn)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return name, n, &JobError{Job: job, Op: "receive", Err: err}
	}
	return name, n, nil
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type deadlineReader struct {
	r       io.Reader
	dl      readDeadliner
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.dl.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.r.Read(p)
}

func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
