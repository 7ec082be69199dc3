package jobkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestDeriveFormat(t *testing.T) {
	t.Parallel()

	g := New(&fakeClock{now: time.UnixMilli(1700000000123)})
	// sha256("hello world") = b94d27b9934d3e08...
	require.Equal(t, "b94d27b9934d3e08-1700000000123", g.Derive([]byte("hello world")))
}

func TestDeriveSameInstantStaysDistinct(t *testing.T) {
	t.Parallel()

	g := New(&fakeClock{now: time.UnixMilli(1000)})
	require.Equal(t, "b94d27b9934d3e08-1000", g.Derive([]byte("hello world")))
	require.Equal(t, "b94d27b9934d3e08-1001", g.Derive([]byte("hello world")))
	require.Equal(t, "b94d27b9934d3e08-1002", g.Derive([]byte("hello world")))
}

func TestDeriveClockStepBack(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.UnixMilli(5000)}
	g := New(clock)
	require.Equal(t, "b94d27b9934d3e08-5000", g.Derive([]byte("hello world")))
	clock.now = time.UnixMilli(4000)
	require.Equal(t, "b94d27b9934d3e08-5001", g.Derive([]byte("hello world")))
	clock.now = time.UnixMilli(9000)
	require.Equal(t, "b94d27b9934d3e08-9000", g.Derive([]byte("hello world")))
}

func TestDeriveRealClockBackToBack(t *testing.T) {
	t.Parallel()

	g := New(nil)
	seen := make(map[string]struct{}, 200)
	for range 200 {
		key := g.Derive([]byte("https://ok.test/a"))
		_, dup := seen[key]
		require.False(t, dup, "key %s issued twice", key)
		seen[key] = struct{}{}
	}
}

func TestDeriveDistinguishesResubmissions(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.UnixMilli(1000)}
	g := New(clock)

	first := g.Derive([]byte("https://ok.test"))
	clock.now = clock.now.Add(time.Millisecond)
	second := g.Derive([]byte("https://ok.test"))
	require.NotEqual(t, first, second)
}

func TestDeriveDistinguishesPayloads(t *testing.T) {
	t.Parallel()

	g := New(&fakeClock{now: time.UnixMilli(1000)})
	require.NotEqual(t, g.Derive([]byte("a")), g.Derive([]byte("b")))
}

func TestDeriveWithOptions(t *testing.T) {
	t.Parallel()

	g := New(&fakeClock{now: time.UnixMilli(42)}, WithPrefix("save"), WithDigestChars(12))
	require.Equal(t, "save-b94d27b9934d-42", g.Derive([]byte("hello world")))

	ignored := New(&fakeClock{now: time.UnixMilli(42)}, WithDigestChars(0))
	require.Equal(t, "b94d27b9934d3e08-42", ignored.Derive([]byte("hello world")))
}
