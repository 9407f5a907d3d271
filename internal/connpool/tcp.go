package connpool

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/any-hub/any-fetch/internal/neterr"
)

// aLongTimeAgo unblocks pending I/O immediately when used as a deadline.
var aLongTimeAgo = time.Unix(1, 0)

type tcpSocket struct {
	addrs  []string
	dialer *net.Dialer
	conn   net.Conn
}

func (s *tcpSocket) Connect(ctx context.Context) error {
	if len(s.addrs) == 0 {
		return neterr.New(neterr.CodeNameNotResolved)
	}
	var lastErr error
	for _, addr := range s.addrs {
		conn, err := s.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			s.conn = conn
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return neterr.FromNetError(lastErr)
}

func (s *tcpSocket) Read(ctx context.Context, p []byte) (int, error) {
	if s.conn == nil {
		return 0, neterr.New(neterr.CodeConnectionClosed)
	}
	return ioWithContext(ctx, s.conn, func() (int, error) { return s.conn.Read(p) })
}

func (s *tcpSocket) Write(ctx context.Context, p []byte) (int, error) {
	if s.conn == nil {
		return 0, neterr.New(neterr.CodeConnectionClosed)
	}
	return ioWithContext(ctx, s.conn, func() (int, error) { return s.conn.Write(p) })
}

func (s *tcpSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *tcpSocket) IsConnected() bool {
	return s.conn != nil
}

func (s *tcpSocket) IsConnectedAndIdle() bool {
	return peekIdle(s.conn)
}

func (s *tcpSocket) NetConn() net.Conn {
	return s.conn
}

// peekIdle 以立即超时的读探测连接：超时说明连接仍然存活且没有待读数据。
func peekIdle(conn net.Conn) bool {
	if conn == nil {
		return false
	}
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	var one [1]byte
	n, err := conn.Read(one[:])
	_ = conn.SetReadDeadline(time.Time{})
	if n > 0 {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ioWithContext runs op and interrupts it when ctx is cancelled.
func ioWithContext(ctx context.Context, conn net.Conn, op func() (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, neterr.FromNetError(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	n, err := op()
	if !stop() {
		_ = conn.SetDeadline(time.Time{})
		if err != nil {
			return n, neterr.FromNetError(ctx.Err())
		}
	}
	if err != nil {
		return n, translateIOError(err)
	}
	return n, nil
}

// translateIOError keeps io.EOF intact so readers see a clean end of stream.
func translateIOError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return neterr.FromNetError(err)
}
