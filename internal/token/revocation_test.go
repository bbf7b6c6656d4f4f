package token

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenyList_RevokeAndExpire(t *testing.T) {
	clock := newFakeClock()
	d := NewDenyList(16, clock.Now)

	d.Revoke("a", clock.Now().Add(time.Minute))
	assert.True(t, d.Revoked("a"))
	assert.False(t, d.Revoked("b"))
	assert.Equal(t, 1, d.Len())

	clock.Advance(time.Minute)
	assert.False(t, d.Revoked("a"), "entry outlives the token it denies")
}

func TestDenyList_RevokeExpiredIsNoop(t *testing.T) {
	clock := newFakeClock()
	d := NewDenyList(0, clock.Now)

	d.Revoke("old", clock.Now())
	d.Revoke("older", clock.Now().Add(-time.Hour))
	assert.Zero(t, d.Len())
	assert.False(t, d.Revoked("old"))
}

func TestDenyList_Prune(t *testing.T) {
	clock := newFakeClock()
	d := NewDenyList(4, clock.Now)

	for i := range 10 {
		d.Revoke(fmt.Sprintf("short-%d", i), clock.Now().Add(time.Minute))
	}
	d.Revoke("long", clock.Now().Add(time.Hour))
	require.Equal(t, 11, d.Len())

	assert.Zero(t, d.Prune())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 10, d.Prune())
	assert.Equal(t, 1, d.Len())
	assert.True(t, d.Revoked("long"))
	assert.False(t, d.Revoked("short-3"))
}

func TestDenyList_MissSkipsLock(t *testing.T) {
	clock := newFakeClock()
	d := NewDenyList(16, clock.Now)
	d.Revoke("a", clock.Now().Add(time.Minute))

	d.mu.Lock()
	done := make(chan bool)
	go func() { done <- d.Revoked("never-revoked") }()

	select {
	case revoked := <-done:
		assert.False(t, revoked)
	case <-time.After(time.Second):
		t.Fatal("filter miss blocked on the deny list lock")
	}
	d.mu.Unlock()

	assert.True(t, d.Revoked("a"))
}

func TestDenyList_ConcurrentRevoke(t *testing.T) {
	clock := newFakeClock()
	d := NewDenyList(64, clock.Now)
	exp := clock.Now().Add(time.Minute)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				id := fmt.Sprintf("w%d-%d", i, j)
				d.Revoke(id, exp)
				assert.True(t, d.Revoked(id))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, d.Len())
}
