// Package delivery publishes finished run reports to a message broker.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/runstore"
)

// Config describes the AMQP connection and routing.
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	Exchange        string        `mapstructure:"exchange"`
	Queue           string        `mapstructure:"queue"`
	Durable         bool          `mapstructure:"durable"`
	Timeout         time.Duration `mapstructure:"timeout"`
	IncludeMarkdown bool          `mapstructure:"include_markdown"`
}

// Publisher delivers a finished run somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, rec *runstore.Record) error
	Close() error
}

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Message is the JSON body of a delivered run.
type Message struct {
	RunID      string           `json:"run_id"`
	SkillID    string           `json:"skill_id"`
	WorkflowID string           `json:"workflow_id"`
	Mode       string           `json:"mode"`
	Status     string           `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
	Record     *runstore.Record `json:"record"`
}

// AMQPPublisher publishes run records as persistent JSON messages.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	queue    string
	timeout  time.Duration
	markdown bool
	logger   *zap.Logger

	mu sync.Mutex
}

// Dial connects to the broker and declares the exchange and queue.
func Dial(cfg Config, logger *zap.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = "pai.runs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(cfg.Queue, "run.#", cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue %s: %w", cfg.Queue, err)
		}
	}

	p := newPublisher(ch, cfg, logger)
	p.conn = conn
	p.logger.Info("AMQP delivery enabled",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
	)
	return p, nil
}

func newPublisher(ch channel, cfg Config, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AMQPPublisher{
		ch:       ch,
		exchange: cfg.Exchange,
		queue:    cfg.Queue,
		timeout:  timeout,
		markdown: cfg.IncludeMarkdown,
		logger:   logger,
	}
}

// RoutingKey is the key a record is published under. With an exchange the
// key is "run.<skill>.<workflow>.<status>"; without one it is the queue name.
func (p *AMQPPublisher) RoutingKey(rec *runstore.Record) string {
	if p.exchange == "" {
		return p.queue
	}
	return fmt.Sprintf("run.%s.%s.%s", rec.SkillID, rec.WorkflowID, rec.Status)
}

// Publish sends rec to the broker.
func (p *AMQPPublisher) Publish(ctx context.Context, rec *runstore.Record) error {
	if p == nil || p.ch == nil {
		return errors.New("amqp publisher not initialized")
	}
	if rec == nil {
		return errors.New("nil record")
	}

	payload := *rec
	if !p.markdown {
		payload.Markdown = ""
	}
	body, err := json.Marshal(Message{
		RunID:      rec.RunID,
		SkillID:    rec.SkillID,
		WorkflowID: rec.WorkflowID,
		Mode:       rec.Mode,
		Status:     string(rec.Status),
		StartedAt:  rec.StartedAt,
		DurationMS: rec.DurationMS,
		Record:     &payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", rec.RunID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, p.RoutingKey(rec), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.RunID,
		Timestamp:    time.Now(),
		Type:         "run_completed",
		Headers: amqp.Table{
			"skill_id":    rec.SkillID,
			"workflow_id": rec.WorkflowID,
			"status":      string(rec.Status),
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", rec.RunID, err)
	}
	p.logger.Debug("Delivered run report",
		zap.String("run_id", rec.RunID),
		zap.Int("bytes", len(body)),
	)
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
