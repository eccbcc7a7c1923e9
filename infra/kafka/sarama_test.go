package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/infra/broker"
)

func TestSaramaPublisher_SendsKeyValueAndHeaders(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewSaramaConfig())
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "wikimedia_recentchange" {
			return errors.New("wrong topic " + pm.Topic)
		}
		key, _ := pm.Key.Encode()
		val, _ := pm.Value.Encode()
		if string(key) != "k" || string(val) != `{"x":1}` {
			return errors.New("wrong key/value")
		}
		if len(pm.Headers) != 1 || string(pm.Headers[0].Key) != "event-type" {
			return errors.New("missing header")
		}
		return nil
	})

	p := NewSaramaPublisher(sp)
	err := p.Publish(context.Background(), broker.Message{
		Topic:   "wikimedia_recentchange",
		Key:     []byte("k"),
		Value:   []byte(`{"x":1}`),
		Headers: map[string]string{"event-type": "message"},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestSaramaPublisher_SurfacesBrokerError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewSaramaConfig())
	sp.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	p := NewSaramaPublisher(sp)
	err := p.Publish(context.Background(), broker.Message{Topic: "t", Value: []byte("v")})
	assert.ErrorIs(t, err, sarama.ErrNotEnoughReplicas)
	require.NoError(t, p.Close())
}

type stuckProducer struct {
	sarama.SyncProducer
	release chan struct{}
}

func (s *stuckProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	<-s.release
	return 0, 0, nil
}

func TestSaramaPublisher_AckTimeoutIsAmbiguous(t *testing.T) {
	sp := &stuckProducer{release: make(chan struct{})}
	defer close(sp.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewSaramaPublisher(sp).Publish(ctx, broker.Message{Topic: "t", Value: []byte("v")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
