package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/hcbridge/internal/eventstream"
)

var testEvent = eventstream.Event{
	ApplianceID: "SIEMENS-HCS02DWH1-6BE58C2D6F2B",
	ID:          "SIEMENS-HCS02DWH1-6BE58C2D6F2B",
	Event:       "STATUS",
	Data:        `{"items":[{"key":"BSH.Common.Status.DoorState","value":"BSH.Common.EnumType.DoorState.Open"}]}`,
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func decodeMessage(t *testing.T, data []byte) message {
	t.Helper()
	var msg message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestKafkaPublisher(t *testing.T) {
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		var msg message
		if err := json.Unmarshal(msgs[0].Value, &msg); err != nil {
			return false
		}
		return string(msgs[0].Key) == testEvent.ApplianceID && msg.Event == testEvent
	})).Return(nil).Once()
	w.On("Close").Return(nil)

	p := NewKafkaPublisher(w)
	require.NoError(t, p.Publish(context.Background(), testEvent))
	require.NoError(t, p.Close())
	w.AssertExpectations(t)
}

func TestKafkaPublisherHandleSwallowsErrors(t *testing.T) {
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))

	p := NewKafkaPublisher(w)
	p.Handle(context.Background(), testEvent)
	assert.ErrorContains(t, p.Publish(context.Background(), testEvent), "broker unavailable")
	w.AssertNumberOfCalls(t, "WriteMessages", 2)
}

func TestNewKafkaWriter(t *testing.T) {
	_, err := NewKafkaWriter(nil, "events")
	assert.Error(t, err)
	_, err = NewKafkaWriter([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	w, err := NewKafkaWriter([]string{"localhost:9092"}, "events")
	require.NoError(t, err)
	assert.Equal(t, "events", w.Topic)
	assert.Equal(t, 10*time.Millisecond, w.BatchTimeout, "single-event writes must not wait for a batch")
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, DefaultRedisChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	NewRedisPublisher(client, "").Handle(ctx, testEvent)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisChannel, msg.Channel)

	got := decodeMessage(t, []byte(msg.Payload))
	assert.Equal(t, testEvent, got.Event)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestRedisPublisherError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisPublisher(client, "events").Publish(context.Background(), testEvent)
	assert.ErrorContains(t, err, "redis publish")
}

func TestLog(t *testing.T) {
	Log{}.Handle(context.Background(), testEvent)
}
