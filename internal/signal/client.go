// Package signal is the client side of the consultation signaling channel.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer = 256
)

var (
	// ErrClosed is returned by Send once the channel is closed.
	ErrClosed = errors.New("signaling channel closed")
	// ErrRejected means the relay refused the connection. Not retried.
	ErrRejected = errors.New("signaling connection rejected")
	// ErrSendTimeout means the outbound queue stayed full for the whole
	// write deadline.
	ErrSendTimeout = errors.New("signaling send timed out")
)

// DialConfig describes how to reach the relay.
type DialConfig struct {
	// URL is the websocket endpoint of one consultation.
	URL   string
	Token string
	// Timeout bounds the whole retry loop of the initial dial.
	Timeout time.Duration
	Log     *zap.Logger
}

// Client is an open signaling channel. Send is safe for concurrent use.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger

	send     chan []byte
	sendWait time.Duration
	incoming chan []byte
	stop     chan struct{}
	done     chan struct{}

	open      atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial connects to the relay, retrying with exponential backoff until
// cfg.Timeout elapses. Authentication failures are not retried.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("signal")

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: writeWait,
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 250 * time.Millisecond
	ebo.MaxElapsedTime = timeout
	ebo.Reset()

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, resp.Status))
			}
			log.Debug("signaling dial failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	log.Info("signaling channel open", zap.String("host", u.Host), zap.Int("attempts", attempt))

	c := &Client{
		conn:     conn,
		log:      log,
		send:     make(chan []byte, sendBuffer),
		sendWait: writeWait,
		incoming: make(chan []byte, sendBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.open.Store(true)
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues msg for delivery. While the queue is full it waits up to the
// write deadline, then fails with ErrSendTimeout.
func (c *Client) Send(msg models.Message) error {
	if !c.open.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	select {
	case <-c.stop:
		return ErrClosed
	case c.send <- data:
		return nil
	default:
	}

	c.log.Debug("signaling send queue full, waiting", zap.String("type", string(msg.Type)))
	timer := time.NewTimer(c.sendWait)
	defer timer.Stop()
	select {
	case <-c.stop:
		return ErrClosed
	case c.send <- data:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s message after %s", ErrSendTimeout, msg.Type, c.sendWait)
	}
}

// IsOpen reports whether messages can still be sent.
func (c *Client) IsOpen() bool { return c.open.Load() }

// Incoming yields raw inbound messages in arrival order. It is closed when
// the channel ends.
func (c *Client) Incoming() <-chan []byte { return c.incoming }

// Done is closed once the channel is fully shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that broke the channel, or nil after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close flushes queued messages and closes the connection. Safe to call more
// than once.
func (c *Client) Close() error {
	c.shutdown()
	<-c.done
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.stop)
	})
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.shutdown()
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		close(c.incoming)
		c.conn.Close()
		close(c.done)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warn("signaling channel lost", zap.Error(err))
					c.fail(err)
				} else {
					c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
				}
			}
			return
		}
		select {
		case c.incoming <- data:
		case <-c.stop:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Warn("signaling write failed", zap.Error(err))
				c.fail(err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				c.conn.Close()
				return
			}
		case <-c.stop:
			c.flush()
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// Unblock the read pump if the relay never answers the close.
			c.conn.SetReadDeadline(time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes what was queued before Close, such as a final end-call.
func (c *Client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// IsSecure reports whether capture may run over rawURL: wss, https or a
// loopback host.
func IsSecure(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme == "wss" || u.Scheme == "https" {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
