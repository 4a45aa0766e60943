// Package notify publishes request completion events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tahcohcat/longform-tts/internal/logger"
)

// Event describes a finished synthesis request.
type Event struct {
	RequestID       string    `json:"request_id"`
	Status          string    `json:"status"`
	AudioURL        string    `json:"audio_url,omitempty"`
	ChunksProcessed int       `json:"chunks_processed"`
	Message         string    `json:"message,omitempty"`
	DurationMillis  int64     `json:"duration_ms"`
	FinishedAt      time.Time `json:"finished_at"`
}

type Notifier interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  *logger.Log
}

func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("longform-tts"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log := logger.New()
	log.Info("connected to NATS at " + url)
	return &NATSNotifier{conn: conn, subject: subject, logger: log}, nil
}

func (n *NATSNotifier) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

func (n *NATSNotifier) Close() {
	if n == nil || n.conn == nil {
		return
	}
	n.conn.Drain()
	n.conn.Close()
}
