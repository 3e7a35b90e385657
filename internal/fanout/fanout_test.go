package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-go/internal/imtypes"
)

type delivery struct {
	targets []uint
	payload []byte
}

type fakeHub struct {
	mu   sync.Mutex
	sent []delivery
}

func (h *fakeHub) Multicast(userIDs []uint, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, delivery{targets: append([]uint(nil), userIDs...), payload: payload})
}

type fakeProducer struct {
	topic, key string
	value      []byte
	err        error
}

func (p *fakeProducer) SendMessage(_ context.Context, topic string, key, payload []byte) error {
	p.topic, p.key, p.value = topic, string(key), payload
	return p.err
}

func (p *fakeProducer) Close() {}

func TestTargets(t *testing.T) {
	assert.Equal(t, []uint{3, 1}, Targets(3, 0, 1, 3, 1))
	assert.Empty(t, Targets())
}

func TestHubBroadcasterDedupesTargets(t *testing.T) {
	hub := &fakeHub{}
	evt, err := imtypes.NewEvent(imtypes.EventMessageDeleted, imtypes.DeletedPayload{MessageID: 9, Scope: imtypes.ScopeAll})
	require.NoError(t, err)

	require.NoError(t, NewHubBroadcaster(hub).Publish(context.Background(), evt, 1, 2, 1))
	require.Len(t, hub.sent, 1)
	assert.Equal(t, []uint{1, 2}, hub.sent[0].targets)

	var got imtypes.Event
	require.NoError(t, json.Unmarshal(hub.sent[0].payload, &got))
	assert.Equal(t, imtypes.EventMessageDeleted, got.Type)
	var p imtypes.DeletedPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, imtypes.DeletedPayload{MessageID: 9, Scope: "all"}, p)
}

func TestKafkaBroadcasterThenRelay(t *testing.T) {
	prod := &fakeProducer{}
	evt, err := imtypes.NewEvent(imtypes.EventTyping, imtypes.TypingPayload{From: 4, IsTyping: true})
	require.NoError(t, err)

	require.NoError(t, NewKafkaBroadcaster(prod, "outgoing").Publish(context.Background(), evt, 7))
	assert.Equal(t, "outgoing", prod.topic)
	assert.Equal(t, "7", prod.key)

	hub := &fakeHub{}
	require.NoError(t, Relay(hub, prod.value))
	require.Len(t, hub.sent, 1)
	assert.Equal(t, []uint{7}, hub.sent[0].targets)
	assert.JSONEq(t, `{"from":4,"isTyping":true}`, string(mustEvent(t, hub.sent[0].payload).Payload))
}

func TestKafkaBroadcasterReportsProducerError(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	evt, _ := imtypes.NewEvent(imtypes.EventPong, nil)
	assert.Error(t, NewKafkaBroadcaster(prod, "t").Publish(context.Background(), evt, 1))
}

func TestRelayRejectsMalformed(t *testing.T) {
	hub := &fakeHub{}
	assert.Error(t, Relay(hub, []byte("{")))
	assert.Error(t, Relay(hub, []byte(`{"targets":[],"event":{"type":"typing"}}`)))
	assert.Error(t, Relay(hub, []byte(`{"targets":[1],"event":{}}`)))
	assert.Empty(t, hub.sent)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	assert.NotPanics(t, func() {
		Emit(context.Background(), NewKafkaBroadcaster(prod, "t"), imtypes.EventPong, nil, 1)
		Emit(context.Background(), nil, imtypes.EventPong, nil, 1)
	})
}

func mustEvent(t *testing.T, b []byte) imtypes.Event {
	t.Helper()
	var evt imtypes.Event
	require.NoError(t, json.Unmarshal(b, &evt))
	return evt
}
