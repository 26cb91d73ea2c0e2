package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	Multi{a, b, Discard{}, Slog{}}.Emit(context.Background(), Event{Room: "r", Action: ActionSave})

	for _, r := range []*Recorder{a, b} {
		select {
		case e := <-r.Events():
			assert.Equal(t, ActionSave, e.Action)
		default:
			t.Fatal("event not recorded")
		}
	}
}

func TestRedisPublishes(t *testing.T) {
	addr := os.Getenv("COLLAB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COLLAB_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	sub := client.Subscribe(ctx, "collab-events-test")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	NewRedis(client, "collab-events-test", nil).Emit(ctx, Event{Room: "text:file:1", Action: ActionLoad})

	select {
	case msg := <-sub.Channel():
		var e Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
		assert.Equal(t, "text:file:1", e.Room)
		assert.Equal(t, ActionLoad, e.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("event not published")
	}
}
