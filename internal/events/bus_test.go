package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	inserted []DomainEvent
	err      error
}

func (m *memStore) InsertDomainEvent(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (DomainEvent, error) {
	if m.err != nil {
		return DomainEvent{}, m.err
	}
	ev := DomainEvent{
		ID:          int64(len(m.inserted) + 1),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}
	m.inserted = append(m.inserted, ev)
	return ev, nil
}

type recordingNotifier struct {
	got []DomainEvent
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, ev DomainEvent) error {
	n.got = append(n.got, ev)
	return n.err
}

func TestEmitPersistsAndNotifies(t *testing.T) {
	store := &memStore{}
	notifier := &recordingNotifier{}
	bus := &Bus{Store: store, Notifiers: []Notifier{notifier}}

	id := uuid.New()
	ev, err := bus.Emit(context.Background(), TopicOrderPaid, id, map[string]string{"paymentId": "p1"})
	require.NoError(t, err)

	assert.Equal(t, TopicOrderPaid, ev.Topic)
	assert.Equal(t, id, ev.AggregateID)
	assert.JSONEq(t, `{"paymentId":"p1"}`, string(ev.Payload))
	require.Len(t, notifier.got, 1)
}

func TestEmitRejectsMissingTopicAndAggregate(t *testing.T) {
	bus := &Bus{Store: &memStore{}}

	_, err := bus.Emit(context.Background(), "  ", uuid.New(), nil)
	require.Error(t, err)

	_, err = bus.Emit(context.Background(), TopicOrderPaid, uuid.Nil, nil)
	require.Error(t, err)
}

func TestEmitNotifierFailureDoesNotDropEvent(t *testing.T) {
	store := &memStore{}
	bus := &Bus{Store: store, Notifiers: []Notifier{&recordingNotifier{err: errors.New("boom")}}}

	_, err := bus.Emit(context.Background(), TopicPaymentFailed, uuid.New(), json.RawMessage(`{"reason":"declined"}`))
	require.Error(t, err)
	require.Len(t, store.inserted, 1)
}

func TestEmitNilPayloadDefaultsToEmptyObject(t *testing.T) {
	store := &memStore{}
	bus := &Bus{Store: store}

	ev, err := bus.Emit(context.Background(), TopicPaymentRefunded, uuid.New(), nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(ev.Payload))
}
