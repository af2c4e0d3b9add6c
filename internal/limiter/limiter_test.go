package limiter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireContainerRespectsCapacity(t *testing.T) {
	lim := New(1, 4, nil)

	p1, err := lim.AcquireContainer(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = lim.AcquireContainer(ctx)
	assert.Error(t, err, "second container permit should block until the first is closed")

	p1.Close()
	p2, err := lim.AcquireContainer(context.Background())
	require.NoError(t, err)
	p2.Close()
}

func TestContainerPermitDisplayNameUnique(t *testing.T) {
	lim := New(4, 4, nil)
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		p, err := lim.AcquireContainer(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[p.DisplayName], "display name %q reused", p.DisplayName)
		seen[p.DisplayName] = true
		assert.True(t, strings.HasPrefix(p.DisplayName, "coordinator-"))
		p.Close()
	}
}

func TestPermitCloseIsIdempotent(t *testing.T) {
	lim := New(1, 1, nil)
	p, err := lim.AcquireContainer(context.Background())
	require.NoError(t, err)
	p.Close()
	p.Close() // must not release twice and over-fill the semaphore

	p1, err := lim.AcquireContainer(context.Background())
	require.NoError(t, err)
	defer p1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lim.AcquireContainer(ctx)
	assert.Error(t, err, "double-release must not have granted an extra slot")
}

func TestProcessPermitIndependentOfContainerCapacity(t *testing.T) {
	lim := New(1, 2, nil)
	c, err := lim.AcquireContainer(context.Background())
	require.NoError(t, err)
	defer c.Close()

	p1, err := lim.AcquireProcess(context.Background(), c)
	require.NoError(t, err)
	p2, err := lim.AcquireProcess(context.Background(), c)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lim.AcquireProcess(ctx, c)
	assert.Error(t, err)

	p1.Close()
	p2.Close()
}

func TestHooksObserveAcquireAndRelease(t *testing.T) {
	var mu sync.Mutex
	var starts, ends, releases []string

	hooks := &Hooks{
		OnAcquireStart: func(kind string) {
			mu.Lock()
			defer mu.Unlock()
			starts = append(starts, kind)
		},
		OnAcquireEnd: func(kind string, outcome AcquireOutcome, wait time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			ends = append(ends, kind+":"+string(outcome))
			assert.GreaterOrEqual(t, wait, time.Duration(0))
		},
		OnRelease: func(kind string) {
			mu.Lock()
			defer mu.Unlock()
			releases = append(releases, kind)
		},
	}
	lim := New(1, 1, hooks)
	p, err := lim.AcquireContainer(context.Background())
	require.NoError(t, err)
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"container"}, starts)
	assert.Equal(t, []string{"container:acquired"}, ends)
	assert.Equal(t, []string{"container"}, releases)
}

func TestRequestContainerSignalsWaiters(t *testing.T) {
	lim := New(1, 1, nil)
	ch := lim.ContainerRequested()

	select {
	case <-ch:
		t.Fatal("channel should not be closed before RequestContainer is called")
	default:
	}

	lim.RequestContainer()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("RequestContainer did not signal the waiter")
	}
}
