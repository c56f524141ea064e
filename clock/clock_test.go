package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReal(t *testing.T) {
	t.Parallel()

	var rp Real
	before := time.Now()
	now := rp.Now()
	after := time.Now()

	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
	assert.GreaterOrEqual(t, rp.Since(before), time.Duration(0))
}

func TestOrReal(t *testing.T) {
	assert.IsType(t, Real{}, OrReal(nil))

	f := NewFake(time.Unix(0, 0))
	assert.Same(t, f, OrReal(f))
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.Equal(t, start, f.Now())
	f.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, f.Since(start))

	f.Set(start)
	assert.Equal(t, start, f.Now())
}

func TestFakeConcurrent(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Advance(time.Millisecond)
			_ = f.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50*time.Millisecond, f.Since(time.Unix(0, 0)))
}
