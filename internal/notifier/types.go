package notifier

import (
	"context"
	"time"
)

// Config controls delivery. Zero values take defaults in Apply.
type Config struct {
	Enabled       bool
	ChatID        int64
	ThreadID      int
	RatePerSec    float64
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Message is one outgoing text.
type Message struct {
	ChatID   int64
	ThreadID int
	Text     string
}

// Sender delivers a message to the chat platform.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"err,omitempty"`
}
