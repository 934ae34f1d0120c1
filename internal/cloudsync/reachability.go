package cloudsync

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/metrics"
)

// reachability tracks whether the cloud is currently considered reachable:
// set on the first successful response and cleared after
// failureThreshold consecutive failures.
type reachability struct {
	mu sync.Mutex

	online              atomic.Bool
	consecutiveFailures int
	failureThreshold    int
	bus                 *bus.Bus
}

func newReachability(b *bus.Bus, failureThreshold int) *reachability {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &reachability{bus: b, failureThreshold: failureThreshold}
}

// IsOnline reports the current reachability state.
func (r *reachability) IsOnline() bool {
	return r.online.Load()
}

// RecordSuccess marks the cloud reachable, publishing cloud:connected and
// returning true on the offline -> online transition.
func (r *reachability) RecordSuccess() (transitionedOnline bool) {
	r.mu.Lock()
	r.consecutiveFailures = 0
	wasOnline := r.online.Load()
	r.mu.Unlock()

	r.online.Store(true)
	metrics.CloudConsecutiveFailures.Set(0)
	if !wasOnline {
		r.bus.Publish(bus.TopicCloudConnected, nil)
		return true
	}
	return false
}

// RecordFailure counts a failed call, publishing cloud:disconnected once the
// consecutive-failure threshold is crossed.
func (r *reachability) RecordFailure() {
	r.mu.Lock()
	r.consecutiveFailures++
	n := r.consecutiveFailures
	wasOnline := r.online.Load()
	r.mu.Unlock()

	metrics.CloudConsecutiveFailures.Set(float64(n))
	if n >= r.failureThreshold && wasOnline {
		r.online.Store(false)
		r.bus.Publish(bus.TopicCloudDisconnected, nil)
	}
}
