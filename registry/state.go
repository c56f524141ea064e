// Package registry tracks outbound registrations to remote registrars and
// the bindings of peers that register with us.
package registry

import (
	"net"
	"time"
)

// State is the protocol state of an outbound registration.
type State int

const (
	Unregistered State = iota
	RequestSent
	AuthSent
	Registered
	Rejected
	Timeout
	// NoAuth means the registrar asked for a method we cannot answer.
	NoAuth
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case RequestSent:
		return "Request Sent"
	case AuthSent:
		return "Auth. Sent"
	case Registered:
		return "Registered"
	case Rejected:
		return "Rejected"
	case Timeout:
		return "Timeout"
	case NoAuth:
		return "No Authentication"
	}
	return "Unknown"
}

// DefaultRefresh is the refresh interval in seconds requested when none is
// configured.
const DefaultRefresh = 60

// NextRefresh is when the next registration goes out: five sixths of the
// granted refresh, so it lands before the binding expires.
func NextRefresh(refresh int) time.Duration {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return time.Duration(refresh) * time.Second * 5 / 6
}

// ClampRefresh bounds a requested expiry the way a registrar grants it.
// Zero requests the default.
func ClampRefresh(requested, min, max, def int) int {
	if requested <= 0 {
		requested = def
	}
	if min > 0 && requested < min {
		requested = min
	}
	if max > 0 && requested > max {
		requested = max
	}
	return requested
}

// Registration is one outbound registration. The engine guards it with its
// own lock; the methods only apply state transitions.
type Registration struct {
	Username string
	Secret   string
	Host     string
	Addr     *net.UDPAddr
	// Refresh is the requested and then the granted expiry in seconds.
	Refresh int

	State State
	// Apparent is the address the registrar sees us at.
	Apparent *net.UDPAddr
	Messages int
	// CallNo is the session currently carrying the exchange, zero if none.
	CallNo  uint16
	Changed time.Time
}

// Name identifies the registration in logs and events.
func (r *Registration) Name() string { return r.Username + "@" + r.Host }

// Sent records a REGREQ without credentials.
func (r *Registration) Sent(now time.Time) { r.set(RequestSent, now) }

// Authenticating records a REGREQ answering a REGAUTH.
func (r *Registration) Authenticating(now time.Time) { r.set(AuthSent, now) }

// Acked applies a REGACK and returns the delay until the next refresh.
func (r *Registration) Acked(now time.Time, apparent *net.UDPAddr, refresh, messages int) time.Duration {
	if refresh > 0 {
		r.Refresh = refresh
	}
	r.Apparent = apparent
	r.Messages = messages
	r.set(Registered, now)
	return NextRefresh(r.Refresh)
}

// Rejected applies a REGREJ.
func (r *Registration) Rejected(now time.Time) { r.set(Rejected, now) }

// TimedOut applies retry exhaustion.
func (r *Registration) TimedOut(now time.Time) { r.set(Timeout, now) }

// Unanswerable records that no common auth method exists.
func (r *Registration) Unanswerable(now time.Time) { r.set(NoAuth, now) }

func (r *Registration) set(s State, now time.Time) {
	r.State = s
	r.Changed = now
}

// Status is a snapshot for introspection.
type Status struct {
	Name     string
	Host     string
	State    string
	Refresh  int
	Apparent string
	Messages int
}

// Status returns a snapshot of r.
func (r *Registration) Status() Status {
	st := Status{
		Name:     r.Name(),
		Host:     r.Host,
		State:    r.State.String(),
		Refresh:  r.Refresh,
		Messages: r.Messages,
	}
	if r.Apparent != nil {
		st.Apparent = r.Apparent.String()
	}
	return st
}
