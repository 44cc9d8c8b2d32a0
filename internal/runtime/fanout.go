package runtime

import "github.com/Panzah-Nexus/voice-pipeline/internal/frame"

// fanOut duplicates every frame from in to n independent output channels,
// so a single stage's output can feed the Turn Controller, the client
// forwarder, and the metrics observer without any of them stealing frames
// from the others. Each output is unbuffered and the send loop writes to
// all n branches per frame (in frame order) before reading the next one,
// so a slow reader holds back delivery to every branch.
func fanOut(ctx doneCtx, in <-chan frame.Frame, n int) []chan frame.Frame {
	outs := make([]chan frame.Frame, n)
	for i := range outs {
		outs[i] = make(chan frame.Frame)
	}
	go func() {
		defer func() {
			for _, o := range outs {
				close(o)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				for _, o := range outs {
					select {
					case o <- f:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outs
}

// merge combines several frame streams into one, closing the result once
// every input has closed.
func merge(ctx doneCtx, ins ...<-chan frame.Frame) <-chan frame.Frame {
	out := make(chan frame.Frame)
	done := make(chan struct{}, len(ins))

	for _, in := range ins {
		go func(in <-chan frame.Frame) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- f:
					case <-ctx.Done():
						return
					}
				}
			}
		}(in)
	}

	go func() {
		for range ins {
			<-done
		}
		close(out)
	}()

	return out
}

// doneCtx is the slice of context.Context this package actually uses,
// so fanOut/merge don't need to import context just for Done().
type doneCtx interface {
	Done() <-chan struct{}
}
