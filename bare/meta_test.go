package bare

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMetaAdapter() *MetaAdapter {
	store := newMemoryMetaStore()
	a := &MetaAdapter{store: store, nowFunc: func() int64 { return 0 }, stopCh: make(chan struct{})}
	return a
}

func TestMetaAdapterCreateConsume(t *testing.T) {
	a := newTestMetaAdapter()
	defer a.Stop()

	a.Create("k1", 2)
	value, ok := a.Consume("k1", 2)
	require.True(t, ok)
	require.Equal(t, 2, value.V)

	// Consume deletes; a second read finds nothing.
	_, ok = a.Consume("k1", 2)
	require.False(t, ok)
}

func TestMetaAdapterConsumeWrongVersion(t *testing.T) {
	a := newTestMetaAdapter()
	defer a.Stop()

	a.Create("k1", 1)
	_, ok := a.Consume("k1", 2)
	require.False(t, ok)

	// Consume still deletes the record even on a version mismatch.
	_, ok = a.store.Get("k1")
	require.False(t, ok)
}

func TestMetaAdapterUpdateUpsertsMissingKey(t *testing.T) {
	a := newTestMetaAdapter()
	defer a.Stop()

	a.Update("fresh", func(v *MetaValue) {
		v.V = 1
		v.Response = &MetaResponse{Status: 101}
	})

	value, ok := a.Peek("fresh")
	require.True(t, ok)
	require.Equal(t, 1, value.V)
	require.Equal(t, 101, value.Response.Status)
}

func TestMetaAdapterUpdatePreservesExpiry(t *testing.T) {
	a := newTestMetaAdapter()
	defer a.Stop()

	a.Create("k1", 2)
	before, _ := a.read("k1")

	a.Update("k1", func(v *MetaValue) { v.Response = &MetaResponse{Status: 200} })

	after, ok := a.read("k1")
	require.True(t, ok)
	require.Equal(t, before.Expires, after.Expires)
}

func TestMetaAdapterPeekDoesNotDelete(t *testing.T) {
	a := newTestMetaAdapter()
	defer a.Stop()

	a.Create("k1", 2)
	_, ok := a.Peek("k1")
	require.True(t, ok)

	_, ok = a.Peek("k1")
	require.True(t, ok, "Peek must not consume the record")
}

func TestMetaAdapterReapSweepsExpired(t *testing.T) {
	a := newTestMetaAdapter()
	defer a.Stop()

	now := int64(0)
	a.nowFunc = func() int64 { return now }

	a.Create("expires-soon", 1)
	now += metaTTL.Milliseconds() + 1

	a.reapOnce()

	_, ok := a.store.Get("expires-soon")
	require.False(t, ok)
}

func TestMetaAdapterReapLeavesFreshRecords(t *testing.T) {
	a := newTestMetaAdapter()
	defer a.Stop()

	a.Create("fresh", 1)
	a.reapOnce()

	_, ok := a.store.Get("fresh")
	require.True(t, ok)
}

func TestNewIDProducesDistinctHexKeys(t *testing.T) {
	a := NewID()
	b := NewID()
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)
}
