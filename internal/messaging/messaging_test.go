package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/mocks"
)

// matches the broadcaster's per-subscriber buffer
const subscriberBuffer = 64

const (
	accountA = "0x1378a57fA42b647B80475bF280985362A6136aa6"
	accountB = "0x00000000000000000000000000000000000000b0"
)

func TestBroadcaster_DeliversPerAccount(t *testing.T) {
	ctx := context.Background()
	b := messaging.NewBroadcaster()

	chA, cancelA := b.Subscribe(accountA)
	defer cancelA()
	chB, cancelB := b.Subscribe(accountB)
	defer cancelB()

	event := messaging.NewEvent(time.Now(), messaging.EventBalanceUpdated, accountA)
	require.NoError(t, b.Publish(ctx, event))

	select {
	case got := <-chA:
		assert.Equal(t, event, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case got := <-chB:
		t.Fatalf("unexpected event %v", got)
	default:
	}
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	ctx := context.Background()
	b := messaging.NewBroadcaster()
	ch, cancel := b.Subscribe(accountA)

	for range subscriberBuffer + 10 {
		require.NoError(t, b.Publish(ctx, messaging.NewEvent(time.Now(), messaging.EventServerUpdated, accountA)))
	}
	assert.Len(t, ch, subscriberBuffer)

	cancel()
	cancel()
	_, open := <-drain(ch)
	assert.False(t, open)
}

func drain(ch <-chan messaging.Event) <-chan messaging.Event {
	for range len(ch) {
		<-ch
	}
	return ch
}

func TestBroadcaster_Close(t *testing.T) {
	b := messaging.NewBroadcaster()
	ch, cancel := b.Subscribe(accountA)
	b.Close()
	b.Close()

	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := b.Subscribe(accountA)
	_, open = <-late
	assert.False(t, open)
}

func TestFanout(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := mocks.NewMockPublisher(ctrl)
	second := mocks.NewMockPublisher(ctrl)

	event := messaging.NewEvent(time.Now(), messaging.EventTransactionRecorded, accountA)
	first.EXPECT().Publish(gomock.Any(), event).Return(errors.New("nats down"))
	second.EXPECT().Publish(gomock.Any(), event).Return(nil)
	first.EXPECT().Close()
	second.EXPECT().Close()

	f := messaging.Fanout(first, second)
	err := f.Publish(context.Background(), event)
	assert.ErrorContains(t, err, "nats down")
	f.Close()

	assert.NoError(t, messaging.Nop().Publish(context.Background(), event))
}
