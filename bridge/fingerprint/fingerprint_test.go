package fingerprint

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentbridge/agent/protocol/a2a"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func TestCompute_IgnoresEnvelope(t *testing.T) {
	a := a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("analyze 005930"), a2a.NewDataPart(map[string]any{"x": 1, "y": "z"}))
	b := a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("analyze 005930"), a2a.NewDataPart(map[string]any{"y": "z", "x": 1}))
	b.ContextID = "other"
	b.Metadata = map[string]any{"trace": "t"}

	fa, err := Compute(a)
	require.NoError(t, err)
	fb, err := Compute(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestCompute_DistinguishesContent(t *testing.T) {
	base := a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("buy"))
	variants := []*a2a.Message{
		a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("sell")),
		a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart("buy"), a2a.NewTextPart("")),
		a2a.NewMessage(a2a.RoleUser, a2a.NewFilePart(a2a.FileContent{URI: "s3://bucket/buy"})),
		a2a.NewMessage(a2a.RoleUser, a2a.NewFilePart(a2a.FileContent{Bytes: "YnV5"})),
	}

	fp, err := Compute(base)
	require.NoError(t, err)
	for i, v := range variants {
		other, err := Compute(v)
		require.NoError(t, err)
		assert.NotEqual(t, fp, other, "variant %d", i)
	}

	_, err = Compute(nil)
	assert.Error(t, err)
}

func TestCompute_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,6}`), 0, 5, rapid.ID[string]).Draw(t, "keys")
		data := make(map[string]any, len(keys))
		for i, k := range keys {
			data[k] = i
		}

		f1, err := Compute(a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart(text), a2a.NewDataPart(data)))
		if err != nil {
			t.Fatal(err)
		}
		f2, err := Compute(a2a.NewMessage(a2a.RoleUser, a2a.NewTextPart(text), a2a.NewDataPart(a2a.CloneMap(data))))
		if err != nil {
			t.Fatal(err)
		}
		if f1 != f2 {
			t.Fatalf("fingerprint not stable: %s != %s", f1, f2)
		}
	})
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Hour)

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "a", Entry{TaskID: "t1"}))
	require.NoError(t, c.Put(ctx, "b", Entry{TaskID: "t2"}))
	require.NoError(t, c.Put(ctx, "c", Entry{TaskID: "t3"}))
	assert.Equal(t, 2, c.Len())

	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted")

	e, ok, _ := c.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, "t3", e.TaskID)

	require.NoError(t, c.Delete(ctx, "c"))
	_, ok, _ = c.Get(ctx, "c")
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, 20*time.Millisecond)
	require.NoError(t, c.Put(ctx, "a", Entry{TaskID: "t1"}))

	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisCache(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	c := NewRedisCache(client, "", 10*time.Minute, zap.NewNop())

	_, ok, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, c.Put(ctx, "fp1", Entry{TaskID: "t1", ContextID: "c1", CreatedAt: created}))
	assert.True(t, mr.Exists(DefaultRedisPrefix+"fp1"))
	assert.Equal(t, 10*time.Minute, mr.TTL(DefaultRedisPrefix+"fp1"))

	e, ok, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", e.TaskID)
	assert.True(t, created.Equal(e.CreatedAt))

	mr.FastForward(11 * time.Minute)
	_, ok, err = c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "fp2", Entry{TaskID: "t2"}))
	require.NoError(t, c.Delete(ctx, "fp2"))
	assert.False(t, mr.Exists(DefaultRedisPrefix+"fp2"))
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewRedisCache(client, "p:", 0, nil)

	require.NoError(t, mr.Set("p:bad", "{not json"))
	_, _, err := c.Get(context.Background(), "bad")
	assert.Error(t, err)
}
