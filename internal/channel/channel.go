// Package channel binds one WebSocket connection to the dispatcher of its group.
//
// A Channel runs three routines while connected: a reader that classifies inbound
// frames and forwards them to the dispatcher, a writer that is the only routine
// writing data frames to the connection, and a keepalive pinger. If any of them
// fails the others are cancelled and the connection is closed.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/studyhub/groupchannel/internal/dispatcher"
	"github.com/studyhub/groupchannel/internal/protocol"
)

var (
	// ErrClosed is returned by Serve for a channel that was closed before it connected
	ErrClosed = errors.New("channel closed")
	// ErrDispatcherStopped is returned by Serve when the group dispatcher is gone
	ErrDispatcherStopped = errors.New("group dispatcher stopped")

	// errChannelClosed ends the connection routines after a local close
	errChannelClosed = errors.New("channel closed locally")
)

const rateLimitedMsg = "rate limit exceeded, frame dropped"

// Channel is the server side of one run's connection
type Channel struct {
	id     string
	runID  string
	cfg    Config
	logger *slog.Logger

	dispatcher atomic.Pointer[dispatcher.Dispatcher]
	outbound   chan []byte
	limiter    *rate.Limiter

	closeOnce   sync.Once
	closed      chan struct{}
	forced      atomic.Bool
	closeReason string
}

var _ dispatcher.Member = (*Channel)(nil)

// New creates a channel for runID bound to d. Nothing happens until Serve is called.
func New(runID string, d *dispatcher.Dispatcher, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	id := uuid.NewString()

	c := &Channel{
		id:       id,
		runID:    runID,
		cfg:      cfg,
		logger:   slog.With("run", runID, "channel", id),
		outbound: make(chan []byte, cfg.MailboxSize),
		closed:   make(chan struct{}),
	}
	if cfg.InboundRateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.InboundRateLimit), cfg.InboundBurst)
	}
	c.dispatcher.Store(d)
	return c
}

// ID returns the unique ID of the channel
func (c *Channel) ID() string {
	return c.id
}

// RunID returns the run the channel belongs to
func (c *Channel) RunID() string {
	return c.runID
}

// GroupID returns the group the channel is currently bound to
func (c *Channel) GroupID() string {
	return c.dispatcher.Load().GroupID()
}

// Done is closed once the channel is closed
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Deliver queues a frame for the writer. It never blocks.
func (c *Channel) Deliver(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// ForceClose closes the channel on behalf of the dispatcher, which already
// forgot it, so no Leave is sent
func (c *Channel) ForceClose(reason string) {
	c.close(reason, true)
}

// Close closes the channel as if the connection was lost. It is safe to call more than once.
func (c *Channel) Close() {
	c.close("channel closed", false)
}

// Rebind moves the channel to target and joins it there
func (c *Channel) Rebind(target *dispatcher.Dispatcher) {
	c.dispatcher.Store(target)

	go func() {
		if !target.Join(c) {
			c.ForceClose("reassignment target stopped")
			return
		}
		// The connection may have dropped while the join was queued
		if c.isClosed() && !c.forced.Load() {
			target.Leave(c)
		}
	}()
}

// Serve runs the connection until it is closed from either side. The connection is
// always closed on return.
func (c *Channel) Serve(ctx context.Context, conn Conn) error {
	defer func() {
		_ = conn.Close()
	}()

	if c.isClosed() {
		c.writeClose(conn)
		return ErrClosed
	}

	if err := c.configureKeepalive(conn); err != nil {
		c.close("keepalive setup failed", false)
		return err
	}

	if !c.dispatcher.Load().Join(c) {
		c.ForceClose(ErrDispatcherStopped.Error())
		c.writeClose(conn)
		return ErrDispatcherStopped
	}
	c.logger.Debug("Channel connected", "group", c.GroupID())

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.keepalive(gCtx, conn)
	})
	g.Go(func() error {
		return c.writeMessages(gCtx, conn)
	})
	g.Go(func() error {
		return c.readMessages(gCtx, conn)
	})
	g.Go(func() error {
		// Unblocks the reader once any routine is done
		<-gCtx.Done()
		_ = conn.Close()
		return nil
	})

	err := g.Wait()

	if !c.forced.Load() {
		c.dispatcher.Load().Leave(c)
	}
	c.close("connection closed", false)

	switch {
	case err == nil,
		errors.Is(err, errChannelClosed),
		errors.Is(err, context.Canceled),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug("Channel disconnected", "group", c.GroupID(), "reason", c.closeReason)
	default:
		c.logger.Debug("Channel connection lost", "error", err)
	}
	return nil
}

// close is idempotent; only the first call decides whether the close was forced
func (c *Channel) close(reason string, forced bool) {
	c.closeOnce.Do(func() {
		c.forced.Store(forced)
		c.closeReason = reason
		close(c.closed)
	})
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// configureKeepalive sets the initial read deadline and extends it on every pong
func (c *Channel) configureKeepalive(conn Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return fmt.Errorf("failed to set the initial read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	return nil
}

func (c *Channel) keepalive(ctx context.Context, conn Conn) error {
	defer func() {
		// gorilla/websocket panics on writes to a failed connection
		if r := recover(); r != nil {
			c.logger.Warn("Keepalive routine recovered from panic", "panic", r)
		}
	}()

	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return fmt.Errorf("error sending ping: %w", err)
			}
		}
	}
}

// writeMessages writes queued frames until the channel is closed
func (c *Channel) writeMessages(ctx context.Context, conn Conn) error {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Writer routine recovered from panic", "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.outbound:
			if err := c.write(conn, frame); err != nil {
				return err
			}
		case <-c.closed:
			if err := c.flush(conn); err != nil {
				return err
			}
			c.writeClose(conn)
			return errChannelClosed
		}
	}
}

// flush writes the frames queued before the close, e.g. the reason a join was rejected
func (c *Channel) flush(conn Conn) error {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.write(conn, frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Channel) write(conn Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set the write deadline: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Channel) writeClose(conn Conn) {
	code := websocket.CloseNormalClosure
	if c.forced.Load() {
		code = websocket.ClosePolicyViolation
	}
	msg := websocket.FormatCloseMessage(code, c.closeReason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.Debug("Failed to send close frame", "error", err)
	}
}

// readMessages forwards inbound frames to the dispatcher the channel is bound to
func (c *Channel) readMessages(ctx context.Context, conn Conn) error {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Reader routine recovered from panic", "panic", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("error reading message: %w", err)
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.Deliver(protocol.ErrorFrame(c.GroupID(), "", rateLimitedMsg))
			continue
		}

		c.route(frame)
	}
}

func (c *Channel) route(frame []byte) {
	d := c.dispatcher.Load()

	in, err := protocol.ParseInbound(frame)
	if err != nil {
		requestID := ""
		if in.Session != nil {
			requestID = in.Session.RequestID
		}
		c.logger.Debug("Rejecting inbound frame", "error", err)
		c.Deliver(protocol.ErrorFrame(d.GroupID(), requestID, err.Error()))
		return
	}

	switch in.Kind {
	case protocol.KindSessionUpdate:
		d.SubmitSession(c, *in.Session)
	case protocol.KindUnicast:
		d.Unicast(c, in.Recipient, in.Payload)
	default:
		d.Broadcast(c, in.Payload)
	}
}
