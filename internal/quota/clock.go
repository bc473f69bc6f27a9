package quota

import "time"

// Clock supplies "now" so window rollovers can be driven deterministically in
// tests. The controller never reads the system clock directly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
