package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"p2pdrop/protocol"
)

const (
	DefaultReadyTimeout       = 10 * time.Second
	DefaultSignalRetryDelay   = 2 * time.Second
	DefaultSignalMaxRetries   = 3
	DefaultSignalWriteTimeout = 10 * time.Second
)

var (
	// ErrSignalingTimeout indicates no ready message arrived in time.
	ErrSignalingTimeout = errors.New("network: signaling ready timeout")
	// ErrSignalingClosed indicates the control connection failed or closed.
	ErrSignalingClosed = errors.New("network: signaling connection closed")
)

// SignalingOptions controls how a control connection is established.
type SignalingOptions struct {
	URL          string
	ReadyTimeout time.Duration
	RetryDelay   time.Duration
	MaxRetries   uint64
	Dialer       *websocket.Dialer
	Logger       *logrus.Entry
}

// SignalingClient is one participant's control connection to the relay.
type SignalingClient struct {
	conn   *websocket.Conn
	logger *logrus.Entry

	writeMu sync.Mutex

	messages chan protocol.SignalMessage

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// DialSignaling connects to the relay and waits for the ready message.
// Failed attempts are retried with a fixed delay; an unknown room is not
// retried and reports protocol.ErrSessionNotFound.
func DialSignaling(ctx context.Context, opts SignalingOptions) (*SignalingClient, protocol.SignalMessage, error) {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultSignalRetryDelay
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultSignalMaxRetries
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "signaling")
	}

	var (
		client *SignalingClient
		ready  protocol.SignalMessage
	)
	attempt := 0
	operation := func() error {
		attempt++
		c, msg, err := dialOnce(ctx, opts, logger)
		if err != nil {
			if errors.Is(err, protocol.ErrSessionNotFound) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		client, ready = c, msg
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), opts.MaxRetries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait,
		}).WithError(err).Warn("signaling connect failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, protocol.SignalMessage{}, err
	}
	return client, ready, nil
}

func dialOnce(ctx context.Context, opts SignalingOptions, logger *logrus.Entry) (*SignalingClient, protocol.SignalMessage, error) {
	conn, _, err := opts.Dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, protocol.SignalMessage{}, fmt.Errorf("%w: dial: %v", ErrSignalingClosed, err)
	}

	deadline := time.Now().Add(opts.ReadyTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, protocol.SignalMessage{}, fmt.Errorf("%w: %v", ErrSignalingClosed, err)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, protocol.SignalMessage{}, classifyReadError(err)
		}
		msg, err := protocol.DecodeSignal(payload)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed signal message")
			continue
		}
		if msg.Type != protocol.TypeReady {
			continue
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			_ = conn.Close()
			return nil, protocol.SignalMessage{}, fmt.Errorf("%w: %v", ErrSignalingClosed, err)
		}

		c := &SignalingClient{
			conn:     conn,
			logger:   logger,
			messages: make(chan protocol.SignalMessage, 64),
			closed:   make(chan struct{}),
		}
		go c.readLoop()
		return c, msg, nil
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == protocol.ClosePolicyViolation {
		return fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, closeErr.Text)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrSignalingTimeout
	}
	return fmt.Errorf("%w: %v", ErrSignalingClosed, err)
}

// Messages yields relay messages after ready. It is closed when the
// connection ends.
func (c *SignalingClient) Messages() <-chan protocol.SignalMessage {
	return c.messages
}

// Done is closed when the connection has ended.
func (c *SignalingClient) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *SignalingClient) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send writes one signal message.
func (c *SignalingClient) Send(msg protocol.SignalMessage) error {
	select {
	case <-c.closed:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrSignalingClosed
	default:
	}

	payload, err := protocol.EncodeJSON(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultSignalWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		wrapped := fmt.Errorf("%w: write: %v", ErrSignalingClosed, err)
		c.closeWithError(wrapped)
		return wrapped
	}
	return nil
}

// Close sends a normal close frame and tears the connection down.
func (c *SignalingClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseNormal, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *SignalingClient) readLoop() {
	defer close(c.messages)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(ErrSignalingClosed)
				return
			}
			c.closeWithError(fmt.Errorf("%w: read: %v", ErrSignalingClosed, err))
			return
		}

		msg, err := protocol.DecodeSignal(payload)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed signal message")
			continue
		}
		select {
		case c.messages <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *SignalingClient) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}
