// Package fanout delivers live events to the connections of a set of users,
// either through the in-process hub or through Kafka to every chatserver.
// Delivery is best-effort: failures are logged and counted, never returned
// to the operation that produced the event.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"dm-go/internal/imtypes"
	"dm-go/internal/kafka"
	"dm-go/internal/metrics"
)

// Broadcaster publishes an event to the live connections of userIDs.
type Broadcaster interface {
	Publish(ctx context.Context, evt imtypes.Event, userIDs ...uint) error
}

// Multicaster is the part of the websocket hub fanout writes to.
type Multicaster interface {
	Multicast(userIDs []uint, payload []byte)
}

// Envelope is what travels on the outgoing topic.
type Envelope struct {
	Targets []uint        `json:"targets"`
	Event   imtypes.Event `json:"event"`
}

// Targets removes zero and duplicate IDs, keeping order.
func Targets(userIDs ...uint) []uint {
	out := make([]uint, 0, len(userIDs))
	seen := make(map[uint]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// HubBroadcaster multicasts through the local hub.
type HubBroadcaster struct {
	hub Multicaster
}

// NewHubBroadcaster 创建一个进程内的 Broadcaster。
func NewHubBroadcaster(hub Multicaster) *HubBroadcaster {
	return &HubBroadcaster{hub: hub}
}

func (b *HubBroadcaster) Publish(_ context.Context, evt imtypes.Event, userIDs ...uint) error {
	targets := Targets(userIDs...)
	if len(targets) == 0 {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		metrics.FanoutPublished.WithLabelValues("local", "error").Inc()
		return fmt.Errorf("序列化事件失败 (%s): %w", evt.Type, err)
	}
	b.hub.Multicast(targets, payload)
	metrics.FanoutPublished.WithLabelValues("local", "ok").Inc()
	return nil
}

// KafkaBroadcaster produces envelopes to the outgoing topic.
type KafkaBroadcaster struct {
	producer kafka.MessageProducer
	topic    string
}

// NewKafkaBroadcaster 创建一个通过 Kafka 转发给所有 ChatServer 的 Broadcaster。
func NewKafkaBroadcaster(producer kafka.MessageProducer, topic string) *KafkaBroadcaster {
	return &KafkaBroadcaster{producer: producer, topic: topic}
}

// Publish keys the record by the first target so events for one user stay ordered.
func (b *KafkaBroadcaster) Publish(ctx context.Context, evt imtypes.Event, userIDs ...uint) error {
	targets := Targets(userIDs...)
	if len(targets) == 0 {
		return nil
	}
	payload, err := json.Marshal(Envelope{Targets: targets, Event: evt})
	if err != nil {
		metrics.FanoutPublished.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("序列化事件信封失败 (%s): %w", evt.Type, err)
	}
	key := []byte(strconv.FormatUint(uint64(targets[0]), 10))
	if err := b.producer.SendMessage(ctx, b.topic, key, payload); err != nil {
		metrics.FanoutPublished.WithLabelValues("kafka", "error").Inc()
		return err
	}
	metrics.FanoutPublished.WithLabelValues("kafka", "ok").Inc()
	return nil
}

// Relay decodes an envelope from the outgoing topic and multicasts its event
// to the local hub. Malformed envelopes are reported as errors.
func Relay(hub Multicaster, value []byte) error {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("解析事件信封失败: %w", err)
	}
	targets := Targets(env.Targets...)
	if len(targets) == 0 || env.Event.Type == "" {
		return fmt.Errorf("事件信封缺少目标或类型")
	}
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	hub.Multicast(targets, payload)
	return nil
}

// Emit builds an event and publishes it, logging instead of returning any
// failure. Mutations call this after they are committed.
func Emit(ctx context.Context, b Broadcaster, t imtypes.EventType, payload any, userIDs ...uint) {
	if b == nil {
		return
	}
	evt, err := imtypes.NewEvent(t, payload)
	if err != nil {
		zap.L().Error("fanout: build event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := b.Publish(ctx, evt, userIDs...); err != nil {
		zap.L().Warn("fanout: publish failed", zap.String("type", string(t)), zap.Uints("targets", userIDs), zap.Error(err))
	}
}
