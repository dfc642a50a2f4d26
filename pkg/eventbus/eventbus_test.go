package eventbus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/pkg/logging"
)

type statusChanged struct {
	JobID  string
	Status string
}

type otherEvent struct{}

func TestPublish_NoMatchingSubscribersIsLogged(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.WarnLevel)

	bus := NewEventPublisher(log)
	bus.Subscribe(func(e *statusChanged) { t.Error("should not be called") })
	bus.Publish(&otherEvent{})

	require.Contains(t, buf.String(), "eventbus.Publish: no matching subscribers")
}

func TestPublish_DeliversToMatchingHandlers(t *testing.T) {
	bus := NewEventPublisher(logging.ConsoleLogger(logrus.WarnLevel))
	var got []string
	bus.Subscribe(func(ctx context.Context, e *statusChanged) { got = append(got, e.Status) })
	bus.Subscribe(func(e *statusChanged) { got = append(got, "single-arg") })

	bus.Publish(context.Background(), &statusChanged{JobID: "j1", Status: "Parsing"})
	require.Equal(t, []string{"Parsing"}, got)
}

func TestPublish_RecoversFromPanics(t *testing.T) {
	bus := NewEventPublisher(nil)
	called := false
	bus.Subscribe(func(e *statusChanged) { panic("boom") })
	bus.Subscribe(func(e *statusChanged) { called = true })

	require.NotPanics(t, func() { bus.Publish(&statusChanged{}) })
	require.True(t, called)
}

func TestPublishE_JoinsErrors(t *testing.T) {
	bus := NewEventPublisher(nil)
	first := errors.New("first")
	bus.Subscribe(func(e *statusChanged) error { return first })
	bus.Subscribe(func(e *statusChanged) error { return nil })
	bus.Subscribe(func(e *statusChanged) int { return 1 })
	bus.Subscribe(func(e *statusChanged) error { panic("kaboom") })

	err := bus.PublishE(&statusChanged{})
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, ErrInvalidHandlerReturn)
	require.ErrorContains(t, err, "kaboom")

	require.ErrorIs(t, bus.PublishE(&otherEvent{}), ErrNoSubscribers)
}

func TestMatchSignature(t *testing.T) {
	require.True(t, MatchSignature(func(e *statusChanged) {}, []interface{}{&statusChanged{}}))
	require.False(t, MatchSignature(func(e *statusChanged) {}, []interface{}{&otherEvent{}}))
	require.False(t, MatchSignature(func(e *statusChanged) {}, []interface{}{}))
	require.True(t, MatchSignature(func(ctx context.Context) {}, []interface{}{context.Background()}))
	require.True(t, MatchSignature(func(e *statusChanged) {}, []interface{}{nil}))
	require.False(t, MatchSignature("not a func", nil))
}

func TestSubscribeUnsubscribe_Concurrent(t *testing.T) {
	bus := NewEventPublisher(nil)
	handler := func(e *statusChanged) {}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(func(e *statusChanged) {})
			bus.Publish(&statusChanged{})
		}()
	}
	wg.Wait()
	require.Equal(t, 20, bus.SubscribersCount())

	bus.Subscribe(handler)
	bus.Unsubscribe(handler)
	require.Equal(t, 20, bus.SubscribersCount())

	bus.Clear()
	require.Zero(t, bus.SubscribersCount())
}
