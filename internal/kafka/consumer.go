package kafka

import (
	"context"
	"fmt"
	"strings"

	"dm-go/internal/config"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// MessageHandler is a function type for processing consumed Kafka messages.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// MessageConsumer defines the interface for a Kafka message consumer.
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error
	Close()
}

// confluentKafkaConsumer is an implementation of MessageConsumer using confluent-kafka-go.
type confluentKafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
	groupID  string
}

// NewConfluentKafkaConsumer creates a new Kafka consumer. The underlying
// client is created in Consume, once the group is known.
func NewConfluentKafkaConsumer(cfg config.KafkaConfig) (MessageConsumer, error) {
	return &confluentKafkaConsumer{cfg: cfg}, nil
}

// Consume starts consuming messages from the specified topics and group.
// This method will block until the context is canceled or a fatal error occurs.
//
// 出站事件只对当前在线的连接有意义，所以新的消费组从最新位置开始读取。
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no topics specified")
	}
	c.groupID = groupID
	log := zap.S().With("group", groupID)

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           c.groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": "false", // 处理成功后手动提交
		"security.protocol":  c.cfg.Protocol,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer for group %s: %w", groupID, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		_ = c.consumer.Close()
		c.consumer = nil
		return fmt.Errorf("failed to subscribe to topics %v for group %s: %w", topics, groupID, err)
	}

	log.Infof("Kafka consumer started, subscribed to Topics: %v. Waiting for messages...", topics)

	for {
		select {
		case <-ctx.Done():
			log.Info("Context canceled, consumer loop finished.")
			return nil
		default:
		}

		ev := c.consumer.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Warnf("Error processing Kafka message (Topic: %s, Offset: %v): %v",
					*e.TopicPartition.Topic, e.TopicPartition.Offset, err)
				// 出站事件不重试，照常提交
			}
			if _, err := c.consumer.CommitMessage(e); err != nil {
				log.Warnf("Failed to commit offset (Topic: %s, Offset: %v): %v",
					*e.TopicPartition.Topic, e.TopicPartition.Offset, err)
			}
		case kafka.Error:
			log.Errorf("Kafka consumer error: %v (Code: %d, Fatal: %t)", e, e.Code(), e.IsFatal())
			if e.IsFatal() {
				return e
			}
		case kafka.AssignedPartitions:
			log.Infof("Partitions assigned: %v", e.Partitions)
			c.consumer.Assign(e.Partitions)
		case kafka.RevokedPartitions:
			log.Infof("Partitions revoked: %v", e.Partitions)
			c.consumer.Unassign()
		}
	}
}

// Close closes the Kafka consumer.
func (c *confluentKafkaConsumer) Close() {
	if c.consumer == nil {
		return
	}
	if err := c.consumer.Close(); err != nil {
		zap.S().Errorf("Error closing Kafka consumer for group %s: %v", c.groupID, err)
	} else {
		zap.S().Infof("Kafka consumer for group %s closed.", c.groupID)
	}
	c.consumer = nil
}
