package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voiceboard/internal/notify"
)

type capture struct {
	events []notify.Event
	err    error
}

func (c *capture) Publish(_ context.Context, ev notify.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

func TestFanout(t *testing.T) {
	t.Parallel()

	a := &capture{}
	b := &capture{err: errors.New("closed")}
	fan := notify.Fanout{a, b}

	err := fan.Publish(t.Context(), notify.Event{Name: notify.EventSaveStatus, Data: 1})
	require.Error(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	assert.NoError(t, notify.Fanout{}.Publish(t.Context(), notify.Event{Name: "x"}))
}

func TestRedisPublisher(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := t.Context()

	sub := rdb.Subscribe(ctx, notify.DefaultChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := notify.NewRedisPublisher(rdb, "", zap.NewNop())
	require.NoError(t, pub.Publish(ctx, notify.Event{
		Name: notify.EventSaveStatus,
		Data: map[string]int{"savedGuilds": 2},
	}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"saveStatus","data":{"savedGuilds":2}}`, msg.Payload)
}
