package llm

import "context"

// Limiter is a counting semaphore bounding the number of in-flight LLM
// calls across the process, sized by MAX_LLM_CONCURRENCY. The safety gate,
// interpreter, and consent service all acquire it before calling a Client so
// a burst of inbound messages can't open unbounded concurrent model calls.
type Limiter struct {
	slots chan struct{}
}

func NewLimiter(max int) *Limiter {
	if max <= 0 {
		max = 1
	}
	return &Limiter{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function must be called exactly once to return the slot.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
