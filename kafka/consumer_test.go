package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refreshCall struct {
	userID, origin string
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []refreshCall
	err   error
}

func (f *fakeRefresher) RefreshUser(_ context.Context, userID, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refreshCall{userID, origin})
	return f.err
}

func message(t *testing.T, eventType string, event CartEvent) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	msg := &sarama.ConsumerMessage{Topic: TopicCartEvents, Value: value}
	if eventType != "" {
		msg.Headers = []*sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
			{Key: []byte("event_id"), Value: []byte("e1")},
		}
	}
	return msg
}

func TestConsumerDispatch(t *testing.T) {
	newHandler := func(r Refresher) *consumerGroupHandler {
		c := newConsumer(nil, "cartsync-test", []string{TopicCartEvents})
		Subscribe(c, r)
		return &consumerGroupHandler{consumer: c}
	}

	t.Run("UserEventRefreshesOtherSessions", func(t *testing.T) {
		r := &fakeRefresher{}
		h := newHandler(r)

		err := h.handleMessage(context.Background(), message(t, EventTypeCartUpdated, CartEvent{UserID: "u1", SessionID: "d1"}))
		require.NoError(t, err)
		err = h.handleMessage(context.Background(), message(t, EventTypeCartReconciled, CartEvent{UserID: "u1", SessionID: "d2"}))
		require.NoError(t, err)

		assert.Equal(t, []refreshCall{{"u1", "d1"}, {"u1", "d2"}}, r.calls)
	})

	t.Run("GuestEventIsIgnored", func(t *testing.T) {
		r := &fakeRefresher{}
		h := newHandler(r)

		require.NoError(t, h.handleMessage(context.Background(), message(t, EventTypeCartUpdated, CartEvent{SessionID: "d1"})))
		assert.Empty(t, r.calls)
	})

	t.Run("UnknownEventTypeIsSkipped", func(t *testing.T) {
		r := &fakeRefresher{}
		h := newHandler(r)

		require.NoError(t, h.handleMessage(context.Background(), message(t, "order.created", CartEvent{UserID: "u1"})))
		assert.Empty(t, r.calls)
	})

	t.Run("MissingEventTypeIsError", func(t *testing.T) {
		h := newHandler(&fakeRefresher{})
		assert.Error(t, h.handleMessage(context.Background(), message(t, "", CartEvent{UserID: "u1"})))
	})

	t.Run("MalformedPayloadIsError", func(t *testing.T) {
		h := newHandler(&fakeRefresher{})
		msg := message(t, EventTypeCartUpdated, CartEvent{})
		msg.Value = []byte("{not json")
		assert.Error(t, h.handleMessage(context.Background(), msg))
	})

	t.Run("RefreshErrorIsReturned", func(t *testing.T) {
		boom := errors.New("remote down")
		h := newHandler(&fakeRefresher{err: boom})
		err := h.handleMessage(context.Background(), message(t, EventTypeCartUpdated, CartEvent{UserID: "u1", SessionID: "d1"}))
		assert.ErrorIs(t, err, boom)
	})
}
