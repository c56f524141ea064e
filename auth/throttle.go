package auth

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrThrottled is returned when a credential already has its maximum of
// outstanding authentication requests.
var ErrThrottled = errors.New("too many outstanding authentication requests")

// Throttle counts outstanding authentication requests per credential.
type Throttle struct {
	mu          sync.Mutex
	outstanding map[string]int
}

// NewThrottle creates an empty throttle.
func NewThrottle() *Throttle {
	return &Throttle{outstanding: make(map[string]int)}
}

// Acquire reserves one request for name. A max of zero or less means no
// limit.
func (t *Throttle) Acquire(name string, max int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max > 0 && t.outstanding[name] >= max {
		logrus.WithFields(logrus.Fields{
			"function":    "Throttle.Acquire",
			"credential":  name,
			"outstanding": t.outstanding[name],
		}).Warn("Authentication request limit reached")
		return ErrThrottled
	}
	t.outstanding[name]++
	return nil
}

// Release returns a reservation taken with Acquire.
func (t *Throttle) Release(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.outstanding[name]; n > 1 {
		t.outstanding[name] = n - 1
	} else {
		delete(t.outstanding, name)
	}
}

// Outstanding returns the current count for name.
func (t *Throttle) Outstanding(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding[name]
}
