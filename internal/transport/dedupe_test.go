package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/zapdesk-platform/internal/events"
)

func TestMemoryDeduperMarksAndEvicts(t *testing.T) {
	d := NewMemoryDeduper(2)
	ctx := context.Background()

	assert.False(t, d.Seen(ctx, "a"))
	assert.True(t, d.Seen(ctx, "a"))
	assert.False(t, d.Seen(ctx, "b"))
	// Capacity 2: adding c evicts a.
	assert.False(t, d.Seen(ctx, "c"))
	assert.False(t, d.Seen(ctx, "a"))
	assert.True(t, d.Seen(ctx, "c"))
}

func TestMemoryDeduperIgnoresEmptyID(t *testing.T) {
	d := NewMemoryDeduper(4)
	assert.False(t, d.Seen(context.Background(), ""))
	assert.False(t, d.Seen(context.Background(), ""))
}

func TestRedisDeduperSharesSeenState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := NewRedisDeduper(client, time.Hour)
	ctx := context.Background()

	assert.False(t, d.Seen(ctx, "evt-1"))
	assert.True(t, d.Seen(ctx, "evt-1"))

	other := NewRedisDeduper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	assert.True(t, other.Seen(ctx, "evt-1"))
}

func TestRedisDeduperFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	d := NewRedisDeduper(client, time.Hour)
	assert.False(t, d.Seen(context.Background(), "evt-1"))
	assert.False(t, d.Seen(context.Background(), "evt-1"))
}

func TestManagerDropsDuplicateEvents(t *testing.T) {
	m := NewManager(ManagerConfig{
		InstanceID: "clinic-main",
		SocketURL:  "ws://unused",
		Deduper:    NewMemoryDeduper(16),
	}, &fakeTokens{}, &fakeConfigurator{})

	var delivered []events.InboundEvent
	m.SetHandlers(Handlers{OnEvent: func(evt events.InboundEvent) {
		delivered = append(delivered, evt)
	}})

	payload := []byte(`{"event":"messages.upsert","instance":"i","data":{"key":{"remoteJid":"55@x","id":"MSG-1"},"message":{"conversation":"oi"}}}`)
	require.NoError(t, m.HandleWebhookPayload(payload))
	require.NoError(t, m.HandleWebhookPayload(payload))

	require.Len(t, delivered, 1)
	assert.Equal(t, "MSG-1", delivered[0].ID)
}
