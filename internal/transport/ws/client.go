package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/quantgate/termsync/config"
	"github.com/quantgate/termsync/internal/observability"
	"github.com/quantgate/termsync/internal/transport"
)

const (
	pingInterval         = 30 * time.Second
	pingTimeout          = 5 * time.Second
	writeTimeout         = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
	readLimit            = 4 * 1024 * 1024
)

// Client maintains a single websocket session to the terminal stream,
// reconnecting with exponential backoff and dispatching every inbound packet
// to the configured listener. It also implements transport.Requester over
// the same session.
type Client struct {
	url         string
	application string
	handshake   time.Duration
	listener    transport.Listener

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once

	// onReconnect fires after each successful re-dial past the first.
	onReconnect func()
}

var _ transport.Requester = (*Client)(nil)

// NewClient constructs a stream client from transport settings. The listener
// receives every decoded packet; onReconnect, when non-nil, fires after each
// successful reconnection so the caller can restart synchronization.
func NewClient(ctx context.Context, cfg config.TransportSettings, listener transport.Listener, onReconnect func()) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	return &Client{
		url:         cfg.URL,
		application: cfg.Application,
		handshake:   handshake,
		listener:    listener,
		ctx:         clientCtx,
		cancel:      cancel,
		ready:       make(chan struct{}),
		onReconnect: onReconnect,
	}
}

// Start dials in a background goroutine and waits for the first successful
// connection.
func (c *Client) Start() error {
	go func() {
		if err := c.connect(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("stream client terminated",
				observability.F("url", c.url),
				observability.F("error", err.Error()))
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-time.After(c.handshake):
		return errors.New("timeout waiting for stream connection")
	case <-c.ctx.Done():
		return fmt.Errorf("stream client context done: %w", c.ctx.Err())
	}
}

// Stop closes the session and stops reconnecting.
func (c *Client) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
}

// connect keeps one session alive until the client context terminates. Each
// session runs isolated read and ping loops that can cancel one another.
func (c *Client) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval
	connected := false

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			observability.Log().Error("stream dial failed",
				observability.F("url", c.url),
				observability.F("error", err.Error()))
			observability.Telemetry().IncCounter("stream_reconnects_total", 1,
				map[string]string{"result": "error"})
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-c.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		observability.Telemetry().IncCounter("stream_reconnects_total", 1,
			map[string]string{"result": "success"})

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		conn.SetReadLimit(readLimit)

		c.readyOnce.Do(func() { close(c.ready) })
		if connected && c.onReconnect != nil {
			c.onReconnect()
		}
		connected = true

		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()

		go func() {
			defer wg.Done()
			errCh <- c.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")

		wg.Wait()
		close(errCh)

		sessionErr := firstErr
		for e := range errCh {
			if sessionErr == nil || errors.Is(sessionErr, context.Canceled) || errors.Is(sessionErr, context.DeadlineExceeded) {
				sessionErr = e
			}
		}

		if sessionErr != nil && !errors.Is(sessionErr, context.Canceled) && !errors.Is(sessionErr, context.DeadlineExceeded) {
			observability.Log().Error("stream session ended",
				observability.F("url", c.url),
				observability.F("error", sessionErr.Error()))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-c.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		observability.Telemetry().ObserveHistogram("stream_message_bytes", float64(len(data)), nil)
		if err := dispatch(data, c.listener); err != nil {
			observability.Log().Error("packet dispatch failed",
				observability.F("error", err.Error()))
		}
	}
}

func (c *Client) write(ctx context.Context, payload []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Synchronize sends a synchronize request for one instance over the session.
func (c *Client) Synchronize(ctx context.Context, req transport.SynchronizeRequest) error {
	payload, err := encodeSynchronize(req, c.application)
	if err != nil {
		return err
	}
	return c.write(ctx, payload)
}

// ConfirmSynchronized sends a synchronization confirmation frame.
func (c *Client) ConfirmSynchronized(ctx context.Context, accountID, syncID string) error {
	payload, err := json.Marshal(map[string]string{
		"type":      "waitSynchronized",
		"accountId": accountID,
		"requestId": syncID,
	})
	if err != nil {
		return fmt.Errorf("marshal waitSynchronized request: %w", err)
	}
	return c.write(ctx, payload)
}

// SubscribeToMarketData requests quote streaming for a symbol.
func (c *Client) SubscribeToMarketData(ctx context.Context, accountID, symbol string, instanceNumber int) error {
	return c.writeMarketData(ctx, "subscribeToMarketData", accountID, symbol, instanceNumber)
}

// UnsubscribeFromMarketData stops quote streaming for a symbol.
func (c *Client) UnsubscribeFromMarketData(ctx context.Context, accountID, symbol string, instanceNumber int) error {
	return c.writeMarketData(ctx, "unsubscribeFromMarketData", accountID, symbol, instanceNumber)
}

func (c *Client) writeMarketData(ctx context.Context, frameType, accountID, symbol string, instanceNumber int) error {
	payload, err := json.Marshal(marketDataFrame{
		Type:          frameType,
		AccountID:     accountID,
		InstanceIndex: instanceNumber,
		Symbol:        symbol,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", frameType, err)
	}
	return c.write(ctx, payload)
}
