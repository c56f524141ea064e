// Package transfer models the native transfer sub-state machine. A bridging
// node walks both legs through BEGIN and READY to RELEASED (full transfer,
// the node drops out) or, for media-only transfers, through MBEGIN and
// MREADY to MEDIA (signaling stays anchored, media flows directly). An
// endpoint walks BEGIN, READY, then completes or enters MEDIAPASS.
package transfer

// State is a session's transfer state.
type State int

const (
	None State = iota
	Begin
	Ready
	Released
	Passthrough
	MBegin
	MReady
	MReleased
	MPassthrough
	Media
	MediaPass
)

var names = [...]string{
	"NONE", "BEGIN", "READY", "RELEASED", "PASSTHROUGH",
	"MBEGIN", "MREADY", "MRELEASED", "MPASSTHROUGH", "MEDIA", "MEDIAPASS",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Active reports whether a transfer is in progress or established.
func (s State) Active() bool { return s != None }

// Negotiating reports whether the leg is still waiting for its peer.
func (s State) Negotiating() bool {
	switch s {
	case Begin, Ready, MBegin, MReady:
		return true
	}
	return false
}

// MediaOnly reports whether s belongs to the media-only variant.
func (s State) MediaOnly() bool {
	switch s {
	case MBegin, MReady, MReleased, MPassthrough, Media, MediaPass:
		return true
	}
	return false
}

// Start is the bridge side state after sending TXREQ.
func Start(mediaOnly bool) State {
	if mediaOnly {
		return MBegin
	}
	return Begin
}

// OnReady applies a TXREADY from the leg's endpoint. It reports false when
// the leg was not waiting for one.
func OnReady(s State) (State, bool) {
	switch s {
	case Begin:
		return Ready, true
	case MBegin:
		return MReady, true
	}
	return s, false
}

// Outcome is what the bridge does once both legs are ready.
type Outcome int

const (
	// Wait means the other leg is not ready yet.
	Wait Outcome = iota
	// Release means both endpoints get TXREL and the bridge drops out.
	Release
	// MediaDirect means both endpoints get TXMEDIA.
	MediaDirect
)

// Resolve decides the bridge outcome for two legs and returns their next
// states.
func Resolve(a, b State) (State, State, Outcome) {
	switch {
	case a == Ready && b == Ready:
		return Released, Released, Release
	case a == MReady && b == MReady:
		return Media, Media, MediaDirect
	}
	return a, b, Wait
}

// EndpointOnAccept applies a TXACC received on an endpoint.
func EndpointOnAccept(s State) (State, bool) {
	if s == Begin {
		return Ready, true
	}
	return s, false
}

// EndpointOnMedia applies a TXMEDIA received on an endpoint.
func EndpointOnMedia(s State) (State, bool) {
	if s == Ready {
		return MediaPass, true
	}
	return s, false
}

// EndpointOnRelease reports whether a TXREL may complete the transfer.
func EndpointOnRelease(s State) bool {
	return s == Ready
}
