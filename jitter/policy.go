package jitter

// Policy captures the per-session inputs of the delivery decision.
type Policy struct {
	// Enabled turns buffering on for the session.
	Enabled bool
	// Force keeps buffering even when the bridged channel buffers itself.
	Force bool
}

// Bypass reports whether inbound frames skip the buffer and go straight to
// the owner. bridgedWantsJitter is true when the owner is bridged to a
// channel that runs its own jitter buffer.
func (p Policy) Bypass(bridgedWantsJitter bool) bool {
	if !p.Enabled {
		return true
	}
	return bridgedWantsJitter && !p.Force
}
