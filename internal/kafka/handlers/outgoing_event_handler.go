package kafkahandlers

import (
	"context"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"dm-go/internal/fanout"
)

// OutgoingEventHandler 把出站 topic 上的事件信封投递到本实例的 Hub。
type OutgoingEventHandler struct {
	hub fanout.Multicaster
}

// NewOutgoingEventHandler creates a handler for the websocket outgoing topic.
func NewOutgoingEventHandler(hub fanout.Multicaster) *OutgoingEventHandler {
	if hub == nil {
		zap.L().Panic("hub cannot be nil")
	}
	return &OutgoingEventHandler{hub: hub}
}

// Handle is the kafka.MessageHandler for the outgoing topic. A malformed
// envelope is logged and skipped so the offset still advances.
func (h *OutgoingEventHandler) Handle(_ context.Context, msg *kafka.Message) error {
	if err := fanout.Relay(h.hub, msg.Value); err != nil {
		zap.L().Warn("skipping outgoing event",
			zap.Int32("partition", msg.TopicPartition.Partition),
			zap.String("offset", msg.TopicPartition.Offset.String()),
			zap.ByteString("key", msg.Key),
			zap.Error(err))
	}
	return nil
}
