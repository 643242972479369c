// Package network is the entry point for moving a memory image between the
// investigator machine and a target host. A pull with a remote directory is
// a synchronous SFTP download; a pull without one is handed to a background
// worker that reads the image from the raw pull channel.
package network

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheerbytes/memfetch/internal/connmgr"
	"github.com/sheerbytes/memfetch/internal/progress"
	"github.com/sheerbytes/memfetch/internal/sftpxfer"
)

// ErrNotConfigured indicates a raw pull without a source address.
var ErrNotConfigured = errors.New("raw pull source not configured")

// Options configures a Network.
type Options struct {
	// IP and Port address the raw pull source.
	IP   string
	Port int

	Dialer         connmgr.Dialer
	IOTimeout      time.Duration
	CheckFreeSpace bool

	// Reporter renders progress for both transports. Default: stdout.
	Reporter *progress.Reporter
	// OnResult is called on the worker goroutine after each raw pull.
	OnResult func(connmgr.Result)
	Logger   *slog.Logger
}

// Network routes transfers to SFTP or the raw pull channel and owns both.
type Network struct {
	opts     Options
	logger   *slog.Logger
	reporter *progress.Reporter
	files    *sftpxfer.FileSession

	mu      sync.Mutex
	manager *connmgr.Manager
	closed  bool
}

// New returns a Network over session. session may be nil when only raw
// pulls are used.
func New(session sftpxfer.Session, opts Options) *Network {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = progress.NewReporter(nil)
	}
	return &Network{
		opts:     opts,
		logger:   logger,
		reporter: reporter,
		files:    sftpxfer.NewFileSession(session, logger),
	}
}

// Open opens the SFTP channel.
func (n *Network) Open() error {
	return n.files.Open()
}

// Pull fetches filename into localDir. With an empty remoteDir the pull is
// queued on the raw channel and Pull returns at once; failures are then
// reported through logs and Options.OnResult only. Otherwise the file is
// downloaded over SFTP if it exists with a non-zero size; an absent file is
// not an error.
func (n *Network) Pull(remoteDir, localDir, filename string) error {
	if remoteDir == "" {
		return n.pullRaw(localDir, filename)
	}
	return n.pullSFTP(remoteDir, localDir, filename)
}

func (n *Network) pullRaw(localDir, filename string) error {
	if n.opts.IP == "" || n.opts.Port <= 0 {
		return ErrNotConfigured
	}
	m, err := n.ensureManager()
	if err != nil {
		return err
	}
	job := connmgr.NewJob(n.opts.IP, n.opts.Port, filepath.Join(localDir, filename))
	return m.Enqueue(job)
}

// ensureManager starts the worker on first use.
func (n *Network) ensureManager() (*connmgr.Manager, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, connmgr.ErrManagerClosed
	}
	if n.manager != nil {
		return n.manager, nil
	}
	m := connmgr.New(connmgr.Options{
		Dialer:         n.opts.Dialer,
		IOTimeout:      n.opts.IOTimeout,
		CheckFreeSpace: n.opts.CheckFreeSpace,
		Progress:       n.onProgress,
		OnResult:       n.onResult,
		Logger:         n.logger,
	})
	if err := m.Start(); err != nil {
		return nil, err
	}
	n.manager = m
	return m, nil
}

func (n *Network) onProgress(name string, soFar, total int64) {
	n.reporter.Update(name, soFar, total)
}

func (n *Network) onResult(res connmgr.Result) {
	n.reporter.Done()
	if n.opts.OnResult != nil {
		n.opts.OnResult(res)
	}
}

func (n *Network) pullSFTP(remoteDir, localDir, filename string) error {
	ok, err := n.files.StatExists(remoteDir, filename)
	if err != nil {
		return err
	}
	if !ok {
		n.logger.Info("remote file absent or empty, skipping", "dir", remoteDir, "file", filename)
		return nil
	}
	remotePath := path.Join(remoteDir, filename)
	localPath := filepath.Join(localDir, filename)
	err = n.files.Get(remotePath, localPath, n.reporter.Func(filename))
	n.reporter.Done()
	if err != nil {
		return fmt.Errorf("sftp pull %s: %w", remotePath, err)
	}
	n.logger.Info("sftp pull completed", "remote", remotePath, "local", localPath)
	return nil
}

// Put uploads localDir/filename to remoteDir over SFTP.
func (n *Network) Put(localDir, remoteDir, filename string) error {
	localPath := filepath.Join(localDir, filename)
	remotePath := path.Join(remoteDir, filename)
	if err := n.files.Put(localPath, remotePath, nil); err != nil {
		return fmt.Errorf("sftp put %s: %w", localPath, err)
	}
	n.logger.Info("sftp put completed", "local", localPath, "remote", remotePath)
	return nil
}

// Close closes the SFTP channel together with its parent session, then
// stops the raw pull worker and waits for it. Raw pulls still queued are
// dropped. Close is idempotent.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	m := n.manager
	n.mu.Unlock()

	err := n.files.Close()
	if m != nil {
		m.Stop()
		if pending := m.Pending(); pending > 0 {
			n.logger.Warn("raw pulls dropped on close", "pending", pending)
		}
		n.logger.Info("connection manager closed")
	}
	return err
}
