// Package sftptest provides an in-memory SFTP session for tests.
package sftptest

import (
	"io"
	"net"
	"path"
	"sync"
	"testing"

	"github.com/pkg/sftp"
)

// MemSession serves an in-memory filesystem to every client it creates.
// It satisfies sftpxfer.Session.
type MemSession struct {
	// OpenErr, when set, is returned by NewSFTP.
	OpenErr error
	// CloseErr, when set, is returned by Close.
	CloseErr error

	mu       sync.Mutex
	handlers sftp.Handlers
	servers  []*sftp.RequestServer
	closes   int
}

// NewMemSession returns a session over an empty filesystem.
func NewMemSession() *MemSession {
	return &MemSession{handlers: sftp.InMemHandler()}
}

// NewSFTP connects a new client to the shared filesystem over net.Pipe.
func (m *MemSession) NewSFTP() (*sftp.Client, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, m.handlers)
	m.mu.Lock()
	m.servers = append(m.servers, server)
	m.mu.Unlock()
	go server.Serve()
	return sftp.NewClientPipe(clientConn, clientConn)
}

// Close shuts down every server, counts the call and returns CloseErr.
func (m *MemSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	for _, s := range m.servers {
		s.Close()
	}
	m.servers = nil
	return m.CloseErr
}

// Closes returns how many times Close was called.
func (m *MemSession) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Seed writes data to remotePath, creating parent directories.
func (m *MemSession) Seed(t testing.TB, remotePath string, data []byte) {
	t.Helper()
	c, err := m.NewSFTP()
	if err != nil {
		t.Fatalf("seed client: %v", err)
	}
	defer c.Close()
	if err := c.MkdirAll(path.Dir(remotePath)); err != nil {
		t.Fatalf("mkdir %s: %v", path.Dir(remotePath), err)
	}
	f, err := c.Create(remotePath)
	if err != nil {
		t.Fatalf("create %s: %v", remotePath, err)
	}
	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			t.Fatalf("write %s: %v", remotePath, err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", remotePath, err)
	}
}

// Read returns the content of remotePath.
func (m *MemSession) Read(t testing.TB, remotePath string) []byte {
	t.Helper()
	c, err := m.NewSFTP()
	if err != nil {
		t.Fatalf("read client: %v", err)
	}
	defer c.Close()
	f, err := c.Open(remotePath)
	if err != nil {
		t.Fatalf("open %s: %v", remotePath, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read %s: %v", remotePath, err)
	}
	return data
}
