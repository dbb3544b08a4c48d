package scheduler

import "context"

// PassGate serializes passes of loops that share a task store. A pass holds
// the gate from its candidate query to its last stamp, so the next loop's
// query sees every stamp the previous pass wrote.
//
// A nil *PassGate never blocks.
type PassGate struct {
	ch chan struct{}
}

func NewPassGate() *PassGate { return &PassGate{ch: make(chan struct{}, 1)} }

func (g *PassGate) acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *PassGate) release() {
	if g != nil {
		<-g.ch
	}
}
