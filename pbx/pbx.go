// Package pbx defines the narrow interfaces the protocol engine uses to talk
// to the switching core that owns calls: dialplan lookups, channel creation
// for inbound calls, and frame delivery to a call's owner.
package pbx

import (
	"net"
	"time"

	"github.com/opd-ai/iaxcore/frame"
)

// Frame is a media or control frame handed to a channel.
type Frame struct {
	Type     frame.Type
	Subclass uint32
	Data     []byte
	// Samples is the sample count of voice payloads.
	Samples int
	// TS is the sender timestamp in milliseconds.
	TS   uint32
	Mark bool
	// Interpolated marks a frame synthesized by the jitter buffer to cover a
	// lost one; Data is empty.
	Interpolated bool
	Delivery     time.Time
}

// CallInfo describes an inbound call to the channel factory.
type CallInfo struct {
	CallNo     uint16
	UniqueID   string
	User       string
	Peer       string
	Addr       *net.UDPAddr
	Context    string
	Exten      string
	CallerNum  string
	CallerName string
	ANI        string
	DNID       string
	RDNIS      string
	Language   string
	Format     frame.Format
	Capability frame.Format
	Encrypted  bool
}

// Dialplan answers extension questions for a context.
type Dialplan interface {
	// Exists reports whether exten is a complete extension.
	Exists(context, exten, callerID string) bool
	// CanMatch reports whether exten is, or may become, an extension.
	CanMatch(context, exten, callerID string) bool
	// MatchMore reports whether more digits could match a longer extension.
	MatchMore(context, exten, callerID string) bool
}

// Channel is the owner of a call.
type Channel interface {
	// Deliver queues an inbound frame. It must not block.
	Deliver(f Frame)
	// Hangup tells the owner the call is gone.
	Hangup(cause uint8)
	// BridgedWantsJitter reports whether the channel this call is bridged
	// to runs its own jitter buffer.
	BridgedWantsJitter() bool
}

// ChannelFactory creates owners for inbound calls.
type ChannelFactory interface {
	NewChannel(info CallInfo) (Channel, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(info CallInfo) (Channel, error)

// NewChannel calls f.
func (f ChannelFactoryFunc) NewChannel(info CallInfo) (Channel, error) { return f(info) }
