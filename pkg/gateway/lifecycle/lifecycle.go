package lifecycle

import "sync/atomic"

// Lifecycle holds the process draining flag shared by the health endpoints
// and the webhook handlers. Once draining, new calls are refused while live
// relays finish.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
