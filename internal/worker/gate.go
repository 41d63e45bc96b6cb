package worker

import "context"

// Gate is a counting capacity gate bounding how many jobs are in the
// transcode/upload stages at once. It is handed to the pool rather than kept
// as process-global state so tests can drive it directly.
type Gate struct {
	slots chan struct{}
}

func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
	}
}

// Free reports how many slots are currently unclaimed. Claim batches are
// sized to this value so a process never claims beyond its capacity.
func (g *Gate) Free() int {
	return cap(g.slots) - len(g.slots)
}

func (g *Gate) Cap() int {
	return cap(g.slots)
}
