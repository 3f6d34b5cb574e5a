package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochDefaultsToOne(t *testing.T) {
	m := NewManager()
	assert.Equal(t, uint64(1), m.Epoch("/noderegistries/npmjs.org"))
}

func TestIncrementEpochIsMonotonic(t *testing.T) {
	m := NewManager()
	path := "/noderegistries/npmjs.org/packages/express"

	assert.Equal(t, uint64(2), m.IncrementEpoch(path))
	assert.Equal(t, uint64(3), m.IncrementEpoch(path))
	assert.Equal(t, uint64(3), m.Epoch(path))
}

func TestCreatedAtIsImmutable(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManagerWithClock(clock.Now)

	first := m.CreatedAt("/")
	clock.Advance(time.Hour)
	m.IncrementEpoch("/")
	m.Touch("/")

	assert.Equal(t, first, m.CreatedAt("/"))
	assert.True(t, m.ModifiedAt("/").After(first))
}

func TestCreatedAtNotAfterModifiedAt(t *testing.T) {
	m := NewManager()
	path := "/pythonregistries/pypi.org"
	created := m.CreatedAt(path)
	modified := m.ModifiedAt(path)
	assert.False(t, created.After(modified))
}

func TestModifiedAtNeverRegresses(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManagerWithClock(clock.Now)
	path := "/noderegistries/npmjs.org"

	m.Touch(path)
	before := m.ModifiedAt(path)

	// Wall clock steps backwards; modifiedat must hold.
	clock.Advance(-time.Hour)
	m.Touch(path)
	assert.Equal(t, before, m.ModifiedAt(path))

	m.IncrementEpoch(path)
	assert.Equal(t, before, m.ModifiedAt(path))
}

func TestTouchDoesNotChangeEpoch(t *testing.T) {
	m := NewManager()
	path := "/noderegistries/npmjs.org"
	m.IncrementEpoch(path)
	m.Touch(path)
	assert.Equal(t, uint64(2), m.Epoch(path))
}

func TestConcurrentIncrements(t *testing.T) {
	m := NewManager()
	const goroutines = 16
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			path := fmt.Sprintf("/g/%d", n%4)
			for j := 0; j < perGoroutine; j++ {
				m.IncrementEpoch(path)
			}
		}(i)
	}
	wg.Wait()

	var total uint64
	for i := 0; i < 4; i++ {
		total += m.Epoch(fmt.Sprintf("/g/%d", i)) - 1
	}
	require.Equal(t, uint64(goroutines*perGoroutine), total)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
