package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPConfig addresses a broker and a topic exchange.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPSink publishes events as JSON to a topic exchange with the event type
// as routing key. It reconnects lazily after a failure.
type AMQPSink struct {
	cfg AMQPConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSink connects and declares the exchange.
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "iaxd.events"
	}
	s := &AMQPSink{cfg: cfg}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connectLocked() error {
	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", s.cfg.Exchange, err)
	}
	s.conn, s.channel = conn, ch
	logrus.WithFields(logrus.Fields{
		"function": "AMQPSink.connect",
		"exchange": s.cfg.Exchange,
	}).Info("Connected to AMQP broker")
	return nil
}

// Encode renders an event as the message body.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func (s *AMQPSink) Publish(e Event) error {
	body, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		if err := s.connectLocked(); err != nil {
			return err
		}
	}
	err = s.channel.Publish(s.cfg.Exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Body:         body,
	})
	if err != nil {
		s.closeLocked()
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (s *AMQPSink) closeLocked() {
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
