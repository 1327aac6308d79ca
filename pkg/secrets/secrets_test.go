package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Cache ---

func TestCache_PutGet(t *testing.T) {
	c := NewCache[string](time.Minute)
	c.Put("main|binance-p2p", "creds")

	v, ok := c.Get("main|binance-p2p")
	require.True(t, ok)
	assert.Equal(t, "creds", v)
}

func TestCache_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache[int](time.Minute)
	c.now = func() time.Time { return now }

	c.Put("k", 42)
	now = now.Add(2 * time.Minute)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Empty(t, c.data, "expired entry is removed on read")
}

func TestCache_CleanupExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache[int](time.Minute)
	c.now = func() time.Time { return now }

	c.Put("old", 1)
	now = now.Add(30 * time.Second)
	c.Put("new", 2)
	now = now.Add(45 * time.Second)

	c.cleanupExpired()
	assert.Len(t, c.data, 1)
	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestCache_Bust(t *testing.T) {
	c := NewCache[string](time.Hour)
	c.Put("k", "v")
	c.Bust("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

// --- StaticProvider ---

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]map[string]string{
		"dev/Main/binance-p2p":  {"api_key": "k"},
		"dev/alt/binance-p2p":   {"api_key": "k2"},
		"prod/main/binance-p2p": {"api_key": "k3"},
	})
	ctx := context.Background()

	s, err := p.GetSecret(ctx, "DEV/main/binance-p2p")
	require.NoError(t, err)
	assert.Equal(t, "k", s["api_key"])

	names, err := p.ListSecrets(ctx, "dev/")
	require.NoError(t, err)
	assert.Len(t, names, 2)

	_, err = p.GetSecret(ctx, "dev/none/binance-p2p")
	assert.Error(t, err)

	p.Put("dev/none/binance-p2p", map[string]string{"api_key": "x"})
	_, err = p.GetSecret(ctx, "dev/none/binance-p2p")
	assert.NoError(t, err)
}
