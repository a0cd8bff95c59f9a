package trace

import (
	"fmt"
	"io"
	"sync"
)

// At most one profile may be registered with the runtime at a time;
// concurrent registration is a caller error, guarded here rather than in the
// writer's hot path.
var (
	profileMu     sync.Mutex
	activeProfile *Profile
)

// Profile ties a Writer to a runtime sampling hook for the duration of a
// recording session.
type Profile struct {
	w    *Writer
	hook Hook
}

// Start creates a Writer over dest, registers it with hook at the given
// sampling rate, and returns the running profile. Only one profile may be
// active per process.
func Start(dest io.Writer, hook Hook, samplingRate float64, resolve Resolver, clock Clock, opts ...WriterOption) (*Profile, error) {
	if samplingRate <= 0 || samplingRate > 1 {
		return nil, fmt.Errorf("trace: sampling rate %v outside (0, 1]", samplingRate)
	}

	profileMu.Lock()
	defer profileMu.Unlock()
	if activeProfile != nil {
		return nil, fmt.Errorf("trace: a profile is already active")
	}

	p := &Profile{
		w:    NewWriter(dest, resolve, clock, opts...),
		hook: hook,
	}
	if err := hook.Start(p.w, samplingRate); err != nil {
		return nil, fmt.Errorf("trace: register sampling hook: %w", err)
	}
	activeProfile = p
	return p, nil
}

// Stop unregisters the sampling hook, then flushes the final packet. The
// unregistration happens first so that no callback races the flush.
func (p *Profile) Stop() error {
	profileMu.Lock()
	defer profileMu.Unlock()
	if activeProfile != p {
		return fmt.Errorf("trace: profile is not active")
	}
	activeProfile = nil

	if err := p.hook.Stop(); err != nil {
		return fmt.Errorf("trace: unregister sampling hook: %w", err)
	}
	return p.w.Close()
}
