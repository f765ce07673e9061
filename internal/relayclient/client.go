// Package relayclient connects a chat client to the relay over a websocket.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ErrClosed is returned when writing on a closed client.
var ErrClosed = errors.New("relay connection closed")

// Handlers receives outbound relay frames. Nil fields are skipped.
type Handlers struct {
	AuthSuccess func(protocol.AuthSuccess)
	Message     func(protocol.Message)
	Typing      func(protocol.TypingNotice)
	Error       func(protocol.Error)
}

// Options configures Dial.
type Options struct {
	// Origin is sent as the Origin header; relays with an allowlist require it.
	Origin           string
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Handlers         Handlers
}

// Client is a relay connection. Writes are safe for concurrent use; Listen
// must run in a single goroutine.
type Client struct {
	conn     *websocket.Conn
	handlers Handlers
	log      *slog.Logger

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Dial opens a connection to the relay at url.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = handshakeTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	log := logging.OrDefault(opts.Logger).With("relay", url)
	log.Info("Connected to relay")
	return &Client{conn: conn, handlers: opts.Handlers, log: log}, nil
}

// Auth binds the connection to address.
func (c *Client) Auth(ctx context.Context, address, ensName string) error {
	return c.write(ctx, protocol.Auth{Address: address, EnsName: ensName})
}

// SendMessage publishes a chat message.
func (c *Client) SendMessage(ctx context.Context, f protocol.SendMessage) error {
	return c.write(ctx, f)
}

// Typing publishes a typing notice.
func (c *Client) Typing(ctx context.Context, f protocol.Typing) error {
	return c.write(ctx, f)
}

func (c *Client) write(ctx context.Context, f protocol.Frame) error {
	payload, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", f.FrameType(), err)
	}
	return nil
}

// Listen reads frames and dispatches them to the handlers until the
// connection closes or ctx is done. A normal close returns nil.
func (c *Client) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() || isNormalClose(err) {
				c.log.Info("Relay connection closed")
				return nil
			}
			return fmt.Errorf("read relay frame: %w", err)
		}

		frame, err := protocol.DecodeOutbound(raw)
		if err != nil {
			c.log.Warn("Ignoring undecodable relay frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.AuthSuccess:
		if c.handlers.AuthSuccess != nil {
			c.handlers.AuthSuccess(f)
		}
	case protocol.Message:
		if c.handlers.Message != nil {
			c.handlers.Message(f)
		}
	case protocol.TypingNotice:
		if c.handlers.Typing != nil {
			c.handlers.Typing(f)
		}
	case protocol.Error:
		if c.handlers.Error != nil {
			c.handlers.Error(f)
		}
	}
}

// Close sends a close frame and closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
