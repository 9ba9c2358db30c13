package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxAge = 10 * time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeFactories runs every behavioural test against both implementations.
func storeFactories() map[string]func(clock *fakeClock) ConfigStore {
	return map[string]func(clock *fakeClock) ConfigStore{
		"memory": func(clock *fakeClock) ConfigStore {
			return NewMemoryStore(maxAge, WithClock(clock.Now))
		},
		"redis": func(clock *fakeClock) ConfigStore {
			return NewRedisStore(newFakeRedis(), maxAge, WithClock(clock.Now))
		},
	}
}

func TestStore_PutGetSweepScenario(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			s := newStore(clock)

			require.NoError(t, s.Put(ctx, &domain.CallConfig{
				CallSID:          "CA1",
				AgentID:          "A1",
				ToNumber:         "+1555",
				DynamicVariables: map[string]interface{}{"name": "Sam"},
			}))

			got, ok, err := s.Get(ctx, "CA1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "A1", got.AgentID)
			assert.Equal(t, "+1555", got.ToNumber)
			assert.Equal(t, "Sam", got.DynamicVariables["name"])
			assert.Equal(t, clock.Now(), got.CreatedAt.UTC())

			clock.Advance(601 * time.Second)
			removed, err := s.Sweep(ctx, maxAge)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, ok, err = s.Get(ctx, "CA1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_SweepKeepsYoungEntries(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			s := newStore(clock)

			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "old", AgentID: "A"}))
			clock.Advance(5 * time.Minute)
			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "young", AgentID: "A"}))
			clock.Advance(5*time.Minute + time.Second)

			removed, err := s.Sweep(ctx, maxAge)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, ok, _ := s.Get(ctx, "old")
			assert.False(t, ok)
			_, ok, _ = s.Get(ctx, "young")
			assert.True(t, ok)
		})
	}
}

func TestStore_ExpiredEntriesInvisibleBeforeSweep(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			s := newStore(clock)

			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "A", ToNumber: "+1555"}))
			clock.Advance(maxAge + time.Second)

			_, ok, err := s.Get(ctx, "CA1")
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = s.FindByDestination(ctx, "+1555")
			require.NoError(t, err)
			assert.False(t, ok)

			list, err := s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestStore_FindByDestinationExactMatch(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(newFakeClock())

			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "A", ToNumber: "+15551234"}))

			for _, miss := range []string{"", "+1555123", "15551234", "+155512345"} {
				_, ok, err := s.FindByDestination(ctx, miss)
				require.NoError(t, err)
				assert.False(t, ok, miss)
			}

			got, ok, err := s.FindByDestination(ctx, "+15551234")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "CA1", got.CallSID)
		})
	}
}

func TestStore_FindByDestinationSharedNumber(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(newFakeClock())

			var wg sync.WaitGroup
			for _, sid := range []string{"CA1", "CA2"} {
				wg.Add(1)
				go func(sid string) {
					defer wg.Done()
					assert.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: sid, AgentID: "A", ToNumber: "+1555"}))
				}(sid)
			}
			wg.Wait()

			got, ok, err := s.FindByDestination(ctx, "+1555")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Contains(t, []string{"CA1", "CA2"}, got.CallSID)
		})
	}
}

func TestStore_DeleteIsIdempotentAndFinal(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			s := newStore(clock)

			require.NoError(t, s.Delete(ctx, "missing"))

			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "A", ToNumber: "+1555"}))
			require.NoError(t, s.Delete(ctx, "CA1"))
			require.NoError(t, s.Delete(ctx, "CA1"))

			removed, err := s.Sweep(ctx, 0)
			require.NoError(t, err)
			assert.Zero(t, removed)

			_, ok, _ := s.Get(ctx, "CA1")
			assert.False(t, ok)
			_, ok, _ = s.FindByDestination(ctx, "+1555")
			assert.False(t, ok)
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(newFakeClock())

			vars := map[string]interface{}{"name": "Sam"}
			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "A", DynamicVariables: vars}))
			vars["name"] = "changed by caller"

			got, ok, err := s.Get(ctx, "CA1")
			require.NoError(t, err)
			require.True(t, ok)
			got.DynamicVariables["name"] = "changed by reader"
			got.AgentID = "B"

			again, ok, err := s.Get(ctx, "CA1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "A", again.AgentID)
			assert.Equal(t, "Sam", again.DynamicVariables["name"])
		})
	}
}

func TestStore_PutRequiresCallSID(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			err := newStore(newFakeClock()).Put(context.Background(), &domain.CallConfig{AgentID: "A"})
			require.ErrorIs(t, err, domain.ErrMissingParameter)
		})
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(newFakeClock())

			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "A"}))
			require.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "B"}))

			got, ok, err := s.Get(ctx, "CA1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "B", got.AgentID)

			list, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestMemoryStore_ConcurrentPutSweepDelete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(maxAge, WithClock(clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		sid := fmt.Sprintf("CA%d", i)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, &domain.CallConfig{CallSID: sid, AgentID: "A", ToNumber: "+1555"}))
		}()
		go func() {
			defer wg.Done()
			_, err := s.Sweep(ctx, maxAge)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, _, err := s.FindByDestination(ctx, "+1555")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Delete(ctx, fmt.Sprintf("CA%d", i)))
	}
	assert.Zero(t, s.Len())
}

func TestStartSweepRoutineStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(maxAge, WithClock(clock.Now))
	require.NoError(t, s.Put(context.Background(), &domain.CallConfig{CallSID: "CA1", AgentID: "A"}))
	clock.Advance(maxAge + time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartSweepRoutine(ctx, s, 5*time.Millisecond, maxAge)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep routine did not stop after cancel")
	}
}
