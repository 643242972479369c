package connmgr

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/memfetch/internal/wire"
)

// startAgent accepts connections on a loopback listener and pushes one frame
// per connection, in accept order.
func startAgent(t *testing.T, frame func(i int) (string, []byte)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for i := 0; ; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			name, data := frame(i)
			_ = wire.Send(conn, name, bytes.NewReader(data), int64(len(data)))
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %s: %v", portStr, err)
	}
	return host, port
}

func collect(ch chan Result) func(Result) {
	return func(r Result) { ch <- r }
}

func waitResult(t *testing.T, ch chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job result")
		return Result{}
	}
}

func payloadFor(i int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("payload-%d;", i)), 1000+i)
}

func TestManagerProcessesJobsInFIFOOrder(t *testing.T) {
	const n = 5
	addr := startAgent(t, func(i int) (string, []byte) {
		return fmt.Sprintf("job_%d", i), payloadFor(i)
	})
	host, port := splitAddr(t, addr)
	dir := t.TempDir()

	results := make(chan Result, n)
	m := New(Options{OnResult: collect(results)})
	for i := 0; i < n; i++ {
		if err := m.Enqueue(NewJob(host, port, filepath.Join(dir, fmt.Sprintf("job_%d", i)))); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if m.Pending() != n {
		t.Fatalf("expected %d pending before start, got %d", n, m.Pending())
	}
	if m.State() != StateStopped {
		t.Fatalf("expected stopped before start, got %s", m.State())
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	for i := 0; i < n; i++ {
		r := waitResult(t, results)
		want := filepath.Join(dir, fmt.Sprintf("job_%d", i))
		if r.Job.Destination != want {
			t.Fatalf("result %d: expected destination %s, got %s", i, want, r.Job.Destination)
		}
		if r.Err != nil {
			t.Fatalf("result %d failed: %v", i, r.Err)
		}
		if r.Name != fmt.Sprintf("job_%d", i) {
			t.Fatalf("result %d: expected name job_%d, got %s", i, i, r.Name)
		}
		got, err := os.ReadFile(want)
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if !bytes.Equal(got, payloadFor(i)) {
			t.Fatalf("job_%d content mismatch", i)
		}
	}
}

func TestManagerContinuesAfterFailure(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadHost, deadPort := splitAddr(t, dead.Addr().String())
	dead.Close()

	addr := startAgent(t, func(int) (string, []byte) { return "mem.lime", []byte("image") })
	host, port := splitAddr(t, addr)
	dir := t.TempDir()

	results := make(chan Result, 2)
	m := New(Options{OnResult: collect(results)})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	m.Enqueue(NewJob(deadHost, deadPort, filepath.Join(dir, "first")))
	m.Enqueue(NewJob(host, port, filepath.Join(dir, "second")))

	first := waitResult(t, results)
	var jobErr *JobError
	if !errors.As(first.Err, &jobErr) || jobErr.Op != "dial" {
		t.Fatalf("expected dial JobError, got %v", first.Err)
	}
	if !strings.Contains(first.Err.Error(), "first") {
		t.Fatalf("expected error to name the destination, got %q", first.Err)
	}

	second := waitResult(t, results)
	if second.Err != nil {
		t.Fatalf("second job failed: %v", second.Err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "second"))
	if string(got) != "image" {
		t.Fatalf("unexpected content %q", got)
	}
	if m.State() != StateRunning {
		t.Fatalf("worker should still be running, got %s", m.State())
	}
}

type gateDialer struct {
	mu      sync.Mutex
	addrs   []string
	entered chan struct{}
	release chan struct{}
}

func (d *gateDialer) Dial(_ context.Context, addr string) (io.ReadCloser, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	d.mu.Unlock()
	d.entered <- struct{}{}
	<-d.release
	return nil, errors.New("refused")
}

func (d *gateDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

func TestManagerStopWaitsForInFlightJobAndKeepsQueue(t *testing.T) {
	dialer := &gateDialer{entered: make(chan struct{}, 8), release: make(chan struct{})}
	results := make(chan Result, 8)
	m := New(Options{Dialer: dialer, OnResult: collect(results)})
	for i := 0; i < 3; i++ {
		m.Enqueue(NewJob("10.0.0.5", 9000+i, filepath.Join(t.TempDir(), "x")))
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-dialer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never dialed")
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for m.State() != StateStopRequested {
		if time.Now().After(deadline) {
			t.Fatalf("expected stop-requested, got %s", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(dialer.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the in-flight job finished")
	}

	if r := waitResult(t, results); r.Job.Port != 9000 || r.Err == nil {
		t.Fatalf("expected failed first job, got %+v", r)
	}
	if dialer.calls() != 1 {
		t.Fatalf("expected exactly one dial, got %d", dialer.calls())
	}
	if m.Pending() != 2 {
		t.Fatalf("expected 2 jobs left in queue, got %d", m.Pending())
	}
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop hung")
	}

	if err := m.Enqueue(NewJob("10.0.0.5", 9000, "y")); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed from Enqueue, got %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed from Start, got %v", err)
	}
	if m.Pending() != 2 {
		t.Fatalf("queue drained after stop: %d pending", m.Pending())
	}
}

func TestManagerStopWithoutStart(t *testing.T) {
	m := New(Options{})
	m.Enqueue(NewJob("127.0.0.1", 1, "z"))
	m.Stop()
	m.Stop()
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
	if m.Pending() != 1 {
		t.Fatalf("expected queued job to remain, got %d", m.Pending())
	}
}

func TestManagerStartTwice(t *testing.T) {
	m := New(Options{})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	m.Stop()
	if m.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
}

func TestManagerIOTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		wire.WriteHeader(conn, wire.Header{Name: "stalled", Size: 100})
		conn.Write([]byte("0123456789"))
		<-hold
	}()

	host, port := splitAddr(t, ln.Addr().String())
	results := make(chan Result, 1)
	m := New(Options{IOTimeout: 100 * time.Millisecond, OnResult: collect(results)})
	m.Enqueue(NewJob(host, port, filepath.Join(t.TempDir(), "stalled")))
	m.Start()
	defer m.Stop()

	r := waitResult(t, results)
	var jobErr *JobError
	if !errors.As(r.Err, &jobErr) || jobErr.Op != "receive" {
		t.Fatalf("expected receive JobError, got %v", r.Err)
	}
	var netErr net.Error
	if !errors.As(r.Err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout, got %v", r.Err)
	}
	if r.Bytes != 10 {
		t.Fatalf("expected 10 bytes before stall, got %d", r.Bytes)
	}
}

func TestManagerRejectsWhenDiskFull(t *testing.T) {
	addr := startAgent(t, func(int) (string, []byte) { return "big", make([]byte, 100) })
	host, port := splitAddr(t, addr)
	dest := filepath.Join(t.TempDir(), "big")

	results := make(chan Result, 1)
	m := New(Options{CheckFreeSpace: true, OnResult: collect(results)})
	m.freeSpace = func(string) (uint64, error) { return 10, nil }
	m.Enqueue(NewJob(host, port, dest))
	m.Start()
	defer m.Stop()

	r := waitResult(t, results)
	if !errors.Is(r.Err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", r.Err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("destination should not be created")
	}
}

func TestManagerCreatesDestinationDirAndReportsProgress(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 64*1024)
	addr := startAgent(t, func(int) (string, []byte) { return "mem.lime", data })
	host, port := splitAddr(t, addr)
	dest := filepath.Join(t.TempDir(), "case-17", "host-a", "out.lime")

	var mu sync.Mutex
	var names []string
	var last int64
	results := make(chan Result, 1)
	m := New(Options{
		CheckFreeSpace: true,
		OnResult:       collect(results),
		Progress: func(name string, soFar, total int64) {
			mu.Lock()
			defer mu.Unlock()
			names = append(names, name)
			last = soFar
		},
	})
	m.Enqueue(NewJob(host, port, dest))
	m.Start()
	defer m.Stop()

	if r := waitResult(t, results); r.Err != nil || r.Bytes != int64(len(data)) {
		t.Fatalf("unexpected result %+v", r)
	}
	got, err := os.ReadFile(dest)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("destination content mismatch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(names) == 0 || names[0] != "out.lime" || last != int64(len(data)) {
		t.Fatalf("unexpected progress names=%v last=%d", names, last)
	}
}

func TestJobAddr(t *testing.T) {
	if got := NewJob("10.0.0.5", 9000, "/tmp/out/mem.img").Addr(); got != "10.0.0.5:9000" {
		t.Fatalf("unexpected addr %s", got)
	}
	if got := NewJob("::1", 9000, "x").Addr(); got != "[::1]:9000" {
		t.Fatalf("unexpected IPv6 addr %s", got)
	}
	a, b := NewJob("h", 1, "x"), NewJob("h", 1, "x")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct IDs, got %q and %q", a.ID, b.ID)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateStopped:       "stopped",
		StateRunning:       "running",
		StateStopRequested: "stop-requested",
		State(9):           "state(9)",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"memfetch test agent"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{ALPNProtocol},
	}
}

func TestQUICDialerPull(t *testing.T) {
	ln, err := quic.ListenAddr("127.0.0.1:0", selfSignedTLS(t), nil)
	if err != nil {
		t.Fatalf("quic listen: %v", err)
	}
	defer ln.Close()

	data := bytes.Repeat([]byte("quic"), 50000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			return
		}
		_ = wire.Send(stream, "mem.lime", bytes.NewReader(data), int64(len(data)))
		stream.Close()
		select {
		case <-conn.Context().Done():
		case <-ctx.Done():
		}
	}()

	host, port := splitAddr(t, ln.Addr().String())
	dest := filepath.Join(t.TempDir(), "mem.lime")
	results := make(chan Result, 1)
	m := New(Options{Dialer: QUICDialer{}, IOTimeout: 5 * time.Second, OnResult: collect(results)})
	m.Enqueue(NewJob(host, port, dest))
	m.Start()
	defer m.Stop()

	r := waitResult(t, results)
	if r.Err != nil {
		t.Fatalf("quic pull failed: %v", r.Err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("quic content mismatch: %v", err)
	}
}
