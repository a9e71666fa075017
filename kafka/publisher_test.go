package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tair/cart-sync/internal/cart/domain"
)

func TestPublisher(t *testing.T) {
	t.Run("PublishesCartEvent", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, nil)
		var sent CartEvent
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			return json.Unmarshal(val, &sent)
		})
		pub := NewPublisherWithProducer(producer, "")
		defer pub.Close()

		err := pub.Publish(context.Background(), domain.Event{
			Type:      domain.EventTypeCartUpdated,
			SessionID: "d1",
			UserID:    "u1",
			Version:   4,
			Subtotal:  4500,
			Items:     3,
			Timestamp: time.Unix(1700000000, 0).UTC(),
		})
		require.NoError(t, err)

		assert.NotEmpty(t, sent.EventID)
		assert.Equal(t, EventTypeCartUpdated, sent.EventType)
		assert.Equal(t, "u1", sent.UserID)
		assert.Equal(t, uint64(4), sent.Version)
		assert.Equal(t, int64(4500), sent.Subtotal)
	})

	t.Run("SendFailureIsReturned", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, nil)
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		pub := NewPublisherWithProducer(producer, TopicCartEvents)
		defer pub.Close()

		err := pub.Publish(context.Background(), domain.Event{Type: domain.EventTypeCartUpdated, SessionID: "d1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))
	})
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "user_u1", CartEvent{UserID: "u1", SessionID: "d1"}.partitionKey())
	assert.Equal(t, "session_d1", CartEvent{SessionID: "d1"}.partitionKey())
}
