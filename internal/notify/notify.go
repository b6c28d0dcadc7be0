// Package notify publishes transfer and upkeep status events to a queue.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
	DriverNone  = "none"
)

const DefaultTopic = "raffle.events"

// Event kinds.
const (
	KindTransfer = "transfer"
	KindUpkeep   = "upkeep"
	KindEntry    = "entry"
)

// Event is one status change. Subject identifies the record it belongs to
// and is used as the message key.
type Event struct {
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Network uint64    `json:"network"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

// Publisher delivers events. Implementations are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Config struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration
	TLS          bool

	// Stdio fields.
	Writer io.Writer
}

// New builds the publisher for cfg.Driver. An empty driver disables publishing.
func New(cfg Config) (Publisher, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverNone:
		return Discard{}, nil
	case DriverKafka:
		return newKafkaPublisher(cfg)
	case DriverStdio:
		return newStdioPublisher(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported notify driver %q", cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverNone
	}
	return v
}

// SplitCommaList splits a broker list such as "a:9092, b:9092".
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
func (Discard) Close() error                         { return nil }

type kafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func newKafkaPublisher(cfg Config) (Publisher, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.TLS {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &kafkaPublisher{writer: writer, topic: topic}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Subject), Value: payload, Time: ev.At})
}

func (p *kafkaPublisher) Close() error { return p.writer.Close() }

type stdioPublisher struct {
	w io.Writer
	m sync.Mutex
}

func newStdioPublisher(cfg Config) Publisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	p.m.Lock()
	defer p.m.Unlock()
	if _, err := p.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *stdioPublisher) Close() error { return nil }

// Logged wraps a publisher and logs delivery failures instead of returning them.
type Logged struct {
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger
}

func NewLogged(pub Publisher, timeout time.Duration, logger *zap.Logger) *Logged {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = Discard{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Logged{pub: pub, timeout: timeout, logger: logger}
}

func (l *Logged) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if err := l.pub.Publish(ctx, ev); err != nil {
		l.logger.Warn("publish event failed",
			zap.String("kind", ev.Kind),
			zap.String("subject", ev.Subject),
			zap.Error(err),
		)
	}
}

func (l *Logged) Close() error { return l.pub.Close() }
