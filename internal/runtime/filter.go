package runtime

import "github.com/Panzah-Nexus/voice-pipeline/internal/frame"

// filterKinds forwards only frames whose Kind is in allowed, dropping the
// rest. Used to narrow a stage's full output down to what the client
// forwarder actually knows how to encode on the wire.
func filterKinds(ctx doneCtx, in <-chan frame.Frame, allowed ...frame.Kind) <-chan frame.Frame {
	want := make(map[frame.Kind]bool, len(allowed))
	for _, k := range allowed {
		want[k] = true
	}
	out := make(chan frame.Frame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				if !want[f.Kind] {
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
