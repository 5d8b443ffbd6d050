package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const tcpReadTimeout = 200 * time.Millisecond

// TCP reads the record stream from a socket, e.g. a serial-to-ethernet
// bridge.
type TCP struct {
	addr string
	log  zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewTCP(addr string, log zerolog.Logger) *TCP {
	return &TCP{addr: addr, log: log}
}

func (t *TCP) Name() string { return "tcp " + t.addr }

func (t *TCP) Connect() error {
	conn, err := net.DialTimeout("tcp", t.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("tcp: dial %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.log.Info().Str("addr", t.addr).Msg("tcp source connected")
	return nil
}

// deadlineReader turns read deadlines into empty reads so pump can poll ctx.
type deadlineReader struct {
	conn net.Conn
}

func (d deadlineReader) Read(p []byte) (int, error) {
	d.conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
	n, err := d.conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (t *TCP) Run(ctx context.Context, onData func([]byte)) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	err := pump(ctx, deadlineReader{conn: conn}, onData)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("tcp: peer closed connection: %w", err)
	}
	return err
}

func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
