package connmgr

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the pull channel on QUIC connections.
	ALPNProtocol = "memfetch-pull-v1"

	defaultDialTimeout = 10 * time.Second
)

// Dialer opens the byte stream for one job.
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadCloser, error)
}

// TCPDialer connects to the source over plain TCP.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (io.ReadCloser, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	nd := net.Dialer{Timeout: timeout}
	return nd.DialContext(ctx, "tcp", addr)
}

// QUICDialer connects to the source over QUIC and reads the first stream the
// source opens.
type QUICDialer struct {
	TLS     *tls.Config
	Config  *quic.Config
	Timeout time.Duration
}

// QUICClientTLS returns a TLS configuration for the pull channel. The raw
// channel is expected to run over a trusted network, so the source
// certificate is not verified.
func QUICClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultQUICConfig returns the client QUIC settings for large single-stream pulls.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func (d QUICDialer) Dial(ctx context.Context, addr string) (io.ReadCloser, error) {
	tlsConf := d.TLS
	if tlsConf == nil {
		tlsConf = QUICClientTLS()
	}
	conf := d.Config
	if conf == nil {
		conf = DefaultQUICConfig()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, conf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &quicStream{conn: conn, stream: stream}, nil
}

type quicStream struct {
	conn   quic.Connection
	stream quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	return s.conn.CloseWithError(0, "")
}
