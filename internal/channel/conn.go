package channel

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of a WebSocket connection a Channel needs.
// *websocket.Conn implements it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
}

var _ Conn = (*websocket.Conn)(nil)

// Config tunes a channel connection
type Config struct {
	// WriteWait is the time allowed to write a frame
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong from the peer
	PongWait time.Duration
	// PingPeriod must be less than PongWait
	PingPeriod time.Duration
	// MaxMessageSize is the largest inbound frame accepted, in bytes
	MaxMessageSize int64
	// MailboxSize is the number of outbound frames buffered before the channel
	// counts as a slow consumer
	MailboxSize int
	// InboundRateLimit is the sustained number of inbound frames per second; 0 disables limiting
	InboundRateLimit float64
	// InboundBurst is the number of frames allowed above the sustained rate
	InboundBurst int
}

// DefaultConfig returns the settings used for fields left at zero
func DefaultConfig() Config {
	return Config{
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		MaxMessageSize:   64 * 1024,
		MailboxSize:      256,
		InboundRateLimit: 50,
		InboundBurst:     100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.InboundRateLimit > 0 && c.InboundBurst <= 0 {
		c.InboundBurst = 1
	}
	return c
}
