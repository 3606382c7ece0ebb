package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowHonoursBurstPerKey(t *testing.T) {
	k := NewKeyed(60, 2)
	assert.True(t, k.Allow("a"))
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))

	assert.True(t, k.Allow("b"))
	assert.Equal(t, 2, k.Len())
}

func TestDisabled(t *testing.T) {
	k := NewKeyed(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, k.Allow("a"))
	}
	assert.Zero(t, k.Len())
}

func TestDefaultBurstEqualsRate(t *testing.T) {
	k := NewKeyed(3, 0)
	for i := 0; i < 3; i++ {
		assert.True(t, k.Allow("a"))
	}
	assert.False(t, k.Allow("a"))
}

func TestForgetResetsBucket(t *testing.T) {
	k := NewKeyed(1, 1)
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	k.Forget("a")
	assert.True(t, k.Allow("a"))
}

func TestPrune(t *testing.T) {
	k := NewKeyed(10, 1)
	k.Allow("a")
	k.Allow("b")
	assert.Zero(t, k.Prune(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, k.Prune(time.Millisecond))
	assert.Zero(t, k.Len())
}

func TestConcurrentAllow(t *testing.T) {
	k := NewKeyed(60, 10)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if k.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
