package kafka

import (
	"context"
	"fmt"
	"strings"
)

type Config struct {
	Brokers       []string `yaml:"brokers"`
	TopicPrefix   string   `yaml:"topic_prefix"`
	DLQTopic      string   `yaml:"dlq_topic"`
	CommandsTopic string   `yaml:"commands_topic"`
	ClientID      string   `yaml:"client_id"`
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if strings.TrimSpace(c.TopicPrefix) == "" {
		return fmt.Errorf("kafka.topic_prefix is required")
	}
	if strings.TrimSpace(c.DLQTopic) == "" {
		return fmt.Errorf("kafka.dlq_topic is required")
	}
	return nil
}

func (c Config) ValidateCommands() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.CommandsTopic) == "" {
		return fmt.Errorf("kafka.commands_topic is required")
	}
	return nil
}

type Message struct {
	Key   string
	Value []byte
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

type Consumer interface {
	Poll(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

type NoopProducer struct{}

func (p *NoopProducer) Publish(ctx context.Context, topic string, msg Message) error {
	return nil
}
