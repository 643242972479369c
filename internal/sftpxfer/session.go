// Package sftpxfer moves files over an SFTP sub-channel derived from an
// already-authenticated secure session.
package sftpxfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrSession indicates the parent session or its SFTP channel is unusable.
	ErrSession = errors.New("secure session unavailable")
	// ErrNotOpen indicates an SFTP call was made before Open.
	ErrNotOpen = errors.New("file transfer session not open")
)

// Session is an authenticated secure session owned by the caller.
type Session interface {
	// NewSFTP derives an SFTP client over the session.
	NewSFTP() (*sftp.Client, error)
	// Close tears down the whole session.
	Close() error
}

// SSHSession adapts an established SSH client.
type SSHSession struct {
	Client *ssh.Client
}

// NewSFTP starts the sftp subsystem on the SSH connection.
func (s *SSHSession) NewSFTP() (*sftp.Client, error) {
	if s == nil || s.Client == nil {
		return nil, fmt.Errorf("%w: ssh client not connected", ErrSession)
	}
	client, err := sftp.NewClient(s.Client, sftp.UseConcurrentWrites(true))
	if err != nil {
		return nil, fmt.Errorf("create sftp client: %w", err)
	}
	return client, nil
}

// Close closes the SSH connection.
func (s *SSHSession) Close() error {
	if s == nil || s.Client == nil {
		return nil
	}
	return s.Client.Close()
}

// FileSession is an SFTP channel over a Session. It is not safe for
// concurrent use.
type FileSession struct {
	parent Session
	client *sftp.Client
	logger *slog.Logger
	closed bool
}

// NewFileSession wraps parent. The SFTP channel is created by Open.
func NewFileSession(parent Session, logger *slog.Logger) *FileSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSession{parent: parent, logger: logger}
}

// Open derives the SFTP channel from the parent session.
func (f *FileSession) Open() error {
	if f.client != nil {
		return nil
	}
	if f.parent == nil || f.closed {
		return ErrSession
	}
	client, err := f.parent.NewSFTP()
	if err != nil {
		if errors.Is(err, ErrSession) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSession, err)
	}
	f.client = client
	return nil
}

// IsOpen reports whether Open succeeded and Close has not been called.
func (f *FileSession) IsOpen() bool {
	return f.client != nil
}

// StatExists reports whether remoteDir/filename exists with a non-zero size.
// Stat failures are logged and reported as absent.
func (f *FileSession) StatExists(remoteDir, filename string) (bool, error) {
	if f.client == nil {
		return false, ErrNotOpen
	}
	remotePath := path.Join(remoteDir, filename)
	info, err := f.client.Stat(remotePath)
	if err != nil {
		f.logger.Warn("remote stat failed", "path", remotePath, "error", err)
		return false, nil
	}
	return info.Size() > 0, nil
}

// Get downloads remotePath to localPath. onProgress, when non-nil, receives
// the running byte count and the remote size. Callers that render progress
// in place must end the line after Get returns.
func (f *FileSession) Get(remotePath, localPath string, onProgress func(soFar, total int64)) error {
	if f.client == nil {
		return ErrNotOpen
	}
	src, err := f.client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat remote %s: %w", remotePath, err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local %s: %w", localPath, err)
	}

	n, err := io.Copy(&countingWriter{w: dst, total: info.Size(), fn: onProgress}, src)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	if onProgress != nil {
		onProgress(n, info.Size())
	}
	return nil
}

// Put uploads localPath to remotePath. onProgress may be nil.
func (f *FileSession) Put(localPath, remotePath string, onProgress func(soFar, total int64)) error {
	if f.client == nil {
		return ErrNotOpen
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local %s: %w", localPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat local %s: %w", localPath, err)
	}

	dst, err := f.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}

	var r io.Reader = src
	if onProgress != nil {
		r = &countingReader{r: src, total: info.Size(), fn: onProgress}
	}
	n, err := dst.ReadFrom(r)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	if onProgress != nil {
		onProgress(n, info.Size())
	}
	return nil
}

// Close closes the SFTP channel and the parent session. Closing the parent
// is intentional: the session exists only to serve this transfer.
func (f *FileSession) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if f.client != nil {
		if err := f.client.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, fmt.Errorf("close sftp: %w", err))
		}
		f.client = nil
	}
	if f.parent != nil {
		if err := f.parent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	return errors.Join(errs...)
}

type countingWriter struct {
	mu    sync.Mutex
	w     io.Writer
	n     int64
	total int64
	fn    func(soFar, total int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.fn != nil && n > 0 {
		c.fn(c.n, c.total)
	}
	return n, err
}

type countingReader struct {
	r     io.Reader
	n     int64
	total int64
	fn    func(soFar, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if n > 0 {
		c.fn(c.n, c.total)
	}
	return n, err
}
