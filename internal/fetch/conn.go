package fetch

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/wasibuild/internal/concurrency"
)

// conn is one hop's TLS stream plus its drive task.
//
// The drive task is fire-and-forget. It closes the connection when the
// caller's context ends so that blocked reads and writes return, and exits
// when the body is released. Teardown errors are logged and never fail the
// request that used the connection.
type conn struct {
	ctx      context.Context
	tls      *tls.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	released chan struct{}
	once     sync.Once
}

func drive(ctx context.Context, tlsConn *tls.Conn, host string) *conn {
	c := &conn{
		ctx:      ctx,
		tls:      tlsConn,
		reader:   bufio.NewReader(tlsConn),
		writer:   bufio.NewWriter(tlsConn),
		released: make(chan struct{}),
	}

	concurrency.BestEffort("fetch-conn "+host, func() error {
		select {
		case <-ctx.Done():
			slog.Debug("Closing connection on context end", "host", host, "reason", ctx.Err())
			return c.tls.Close()
		case <-c.released:
			return nil
		}
	})

	return c
}

// release closes the connection and stops the drive task. Safe to call more
// than once.
func (c *conn) release() {
	c.once.Do(func() {
		close(c.released)
		if err := c.tls.Close(); err != nil {
			slog.Debug("Connection teardown error ignored", "error", err)
		}
	})
}

// wrapErr reports the context error instead of the "use of closed network
// connection" error produced when the drive task closed the stream.
func (c *conn) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// body ties a response body to the connection it arrived on.
type body struct {
	io.ReadCloser
	conn *conn
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = b.conn.wrapErr(err)
	}
	return n, err
}

// Close releases the connection. Teardown errors are not reported.
func (b *body) Close() error {
	_ = b.ReadCloser.Close()
	b.conn.release()
	return nil
}
