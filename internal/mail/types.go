package mail

import (
	"context"
	"time"
)

// Message is one email to one recipient.
type Message struct {
	To      string
	Subject string
	// HTML and Text may both be set; Text becomes the plain alternative.
	HTML        string
	Text        string
	Attachments []Attachment
}

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Sender delivers a single message synchronously.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// Config controls the async delivery pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int
}

// Stats are monotonic counters since the service was created.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// MailEvent is the payload of mail.* bus events.
type MailEvent struct {
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
