package bus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/bus"
)

func newTestBus(t *testing.T, bufferSize int) *bus.EventBus {
	return bus.New(zaptest.NewLogger(t), bufferSize)
}

func TestEventBus_DeliversToMatchingSubscribers(t *testing.T) {
	eb := newTestBus(t, 4)
	defer eb.Shutdown()

	steps, unsubSteps := eb.Subscribe(schemas.EventStepCompleted)
	defer unsubSteps()
	all, unsubAll := eb.Subscribe(schemas.EventStepCompleted, schemas.EventWorkflowCompleted)
	defer unsubAll()

	require.NoError(t, eb.Publish(context.Background(), schemas.EventWorkflowCompleted, schemas.WorkflowEvent{WorkflowID: "wf"}))

	select {
	case ev := <-all:
		assert.Equal(t, schemas.EventWorkflowCompleted, ev.Type)
		assert.NotEmpty(t, ev.ID)
		eb.Ack(ev)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-steps:
		t.Fatalf("step subscriber received %s", ev.Type)
	default:
	}
}

func TestEventBus_PublishHonoursCancellation(t *testing.T) {
	eb := newTestBus(t, 0)
	defer eb.Shutdown()

	ch, unsubscribe := eb.Subscribe(schemas.EventStepCompleted)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eb.Publish(ctx, schemas.EventStepCompleted, "x") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Publish did not return after cancellation")
	}

	select {
	case <-ch:
		t.Error("event delivered after cancellation")
	default:
	}
}

func TestEventBus_TryPublishDropsWhenFull(t *testing.T) {
	eb := newTestBus(t, 1)
	defer eb.Shutdown()

	_, unsubscribe := eb.Subscribe(schemas.EventStepCompleted)
	defer unsubscribe()

	require.NoError(t, eb.TryPublish(schemas.EventStepCompleted, 1))
	require.NoError(t, eb.TryPublish(schemas.EventStepCompleted, 2))
	assert.Equal(t, int64(1), eb.Dropped())
}

func TestEventBus_PublishAfterShutdown(t *testing.T) {
	eb := newTestBus(t, 1)
	eb.Shutdown()
	assert.ErrorIs(t, eb.Publish(context.Background(), schemas.EventStepCompleted, nil), bus.ErrClosed)
	assert.ErrorIs(t, eb.TryPublish(schemas.EventStepCompleted, nil), bus.ErrClosed)

	ch, _ := eb.Subscribe(schemas.EventStepCompleted)
	_, open := <-ch
	assert.False(t, open)
}

func TestEventBus_ShutdownUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	eb := newTestBus(t, 4)

	var consumers sync.WaitGroup
	for i := 0; i < 5; i++ {
		ch, _ := eb.Subscribe(schemas.EventStepCompleted)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for ev := range ch {
				time.Sleep(time.Millisecond)
				eb.Ack(ev)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var producers sync.WaitGroup
	for i := 0; i < 5; i++ {
		producers.Add(1)
		go func(id int) {
			defer producers.Done()
			for j := 0; j < 40; j++ {
				if err := eb.Publish(ctx, schemas.EventStepCompleted, fmt.Sprintf("%d-%d", id, j)); err != nil {
					return
				}
			}
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		eb.Shutdown()
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	producers.Wait()
	consumers.Wait()
}
