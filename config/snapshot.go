package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/opd-ai/iaxcore/auth"
	"github.com/opd-ai/iaxcore/frame"
)

// DefaultPort is the IAX2 UDP port.
const DefaultPort = 4569

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Transfer modes for users and peers.
const (
	TransferYes       = "yes"
	TransferNo        = "no"
	TransferMediaOnly = "mediaonly"
)

// Codec priority policies.
const (
	PriorityHost     = "host"
	PriorityCaller   = "caller"
	PriorityDisabled = "disabled"
	PriorityReqOnly  = "reqonly"
)

// UserEntry is a compiled user.
type UserEntry struct {
	User
	Methods    uint16
	Capability frame.Format
}

// PeerEntry is a compiled peer.
type PeerEntry struct {
	Peer
	Methods    uint16
	Capability frame.Format
	Dynamic    bool
	// Addr is the static address, nil for dynamic peers.
	Addr *net.UDPAddr
}

// RegistrationEntry is a compiled outbound registration.
type RegistrationEntry struct {
	Registration
	Addr *net.UDPAddr
}

// Snapshot is an immutable, validated view of a Config. Replace it whole;
// never modify one in place.
type Snapshot struct {
	Config Config

	Capability    frame.Format
	Prefs         []frame.Format
	Users         map[string]*UserEntry
	Peers         map[string]*PeerEntry
	Registrations []*RegistrationEntry
}

// Compile validates c and builds a Snapshot. Hostnames are resolved.
func Compile(c Config) (*Snapshot, error) {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	g := c.General
	if _, err := net.ResolveUDPAddr("udp", g.Bind); err != nil {
		bad("general.bind %q: %v", g.Bind, err)
	}
	if g.TOS < 0 || g.TOS > 0xff {
		bad("general.tos %d out of range", g.TOS)
	}
	if g.MaxRetries < 1 {
		bad("general.max_retries must be positive")
	}
	if g.MinRetry <= 0 || g.MaxRetry < g.MinRetry {
		bad("general.min_retry/max_retry %s/%s", g.MinRetry, g.MaxRetry)
	}
	if g.MinReuse < 0 {
		bad("general.min_reuse is negative")
	}
	switch g.CodecPriority {
	case PriorityHost, PriorityCaller, PriorityDisabled, PriorityReqOnly:
	default:
		bad("general.codec_priority %q", g.CodecPriority)
	}
	if g.MinRegExpire > g.MaxRegExpire {
		bad("general.min_reg_expire %d exceeds max_reg_expire %d", g.MinRegExpire, g.MaxRegExpire)
	}
	if g.Threads.Fixed < 1 {
		bad("general.threads.fixed must be positive")
	}

	s := &Snapshot{
		Config: c,
		Users:  make(map[string]*UserEntry),
		Peers:  make(map[string]*PeerEntry),
	}
	caps, prefs, err := parseFormats(g.Allow)
	if err != nil {
		bad("general.allow: %v", err)
	}
	s.Capability, s.Prefs = caps, prefs

	for _, u := range c.Users {
		if u.Name == "" {
			bad("user without name")
			continue
		}
		if _, dup := s.Users[u.Name]; dup {
			bad("duplicate user %q", u.Name)
			continue
		}
		e := &UserEntry{User: u, Capability: s.Capability}
		if e.Methods, err = methods(u.Auth, u.InKeys); err != nil {
			bad("user %s: %v", u.Name, err)
		}
		if len(u.Allow) > 0 {
			if e.Capability, _, err = parseFormats(u.Allow); err != nil {
				bad("user %s allow: %v", u.Name, err)
			}
		}
		if e.Transfer, err = transferMode(u.Transfer); err != nil {
			bad("user %s: %v", u.Name, err)
		}
		s.Users[u.Name] = e
	}

	for _, p := range c.Peers {
		if p.Name == "" {
			bad("peer without name")
			continue
		}
		if _, dup := s.Peers[p.Name]; dup {
			bad("duplicate peer %q", p.Name)
			continue
		}
		e := &PeerEntry{Peer: p, Capability: s.Capability}
		if e.Methods, err = methods(p.Auth, p.InKeys); err != nil {
			bad("peer %s: %v", p.Name, err)
		}
		if len(p.Allow) > 0 {
			if e.Capability, _, err = parseFormats(p.Allow); err != nil {
				bad("peer %s allow: %v", p.Name, err)
			}
		}
		if e.Transfer, err = transferMode(p.Transfer); err != nil {
			bad("peer %s: %v", p.Name, err)
		}
		if p.Host == "" || strings.EqualFold(p.Host, "dynamic") {
			e.Dynamic = true
		} else if e.Addr, err = ResolveHost(p.Host); err != nil {
			bad("peer %s host: %v", p.Name, err)
		}
		if p.Qualify.Enabled && p.Qualify.MaxMS <= 0 {
			e.Qualify.MaxMS = 2000
		}
		if e.Qualify.FreqOK <= 0 {
			e.Qualify.FreqOK = defaultFreqOK
		}
		if e.Qualify.FreqNotOK <= 0 {
			e.Qualify.FreqNotOK = defaultFreqNotOK
		}
		s.Peers[p.Name] = e
	}

	for _, r := range c.Registrations {
		if r.Username == "" || r.Host == "" {
			bad("registration needs username and host")
			continue
		}
		addr, err := ResolveHost(r.Host)
		if err != nil {
			bad("registration %s@%s: %v", r.Username, r.Host, err)
			continue
		}
		s.Registrations = append(s.Registrations, &RegistrationEntry{Registration: r, Addr: addr})
	}

	switch c.Store.Type {
	case "", "memory", "redis":
	default:
		bad("store.type %q", c.Store.Type)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// methods compiles an auth list. Without one, MD5 and plaintext are
// accepted, plus RSA when inbound keys are named.
func methods(names, inKeys []string) (uint16, error) {
	if len(names) == 0 {
		m := frame.AuthMD5 | frame.AuthPlaintext
		if len(inKeys) > 0 {
			m |= frame.AuthRSA
		}
		return m, nil
	}
	return auth.ParseMethods(names)
}

func transferMode(m string) (string, error) {
	switch strings.ToLower(m) {
	case "", TransferYes:
		return TransferYes, nil
	case TransferNo:
		return TransferNo, nil
	case TransferMediaOnly:
		return TransferMediaOnly, nil
	}
	return "", fmt.Errorf("transfer %q", m)
}

func parseFormats(names []string) (frame.Format, []frame.Format, error) {
	var caps frame.Format
	var prefs []frame.Format
	for _, n := range names {
		f, ok := frame.FormatByName(n)
		if !ok {
			return 0, nil, fmt.Errorf("unknown codec %q", n)
		}
		if caps&f == 0 {
			prefs = append(prefs, f)
		}
		caps |= f
	}
	return caps, prefs, nil
}

// ResolveHost resolves host[:port], defaulting the port to 4569.
func ResolveHost(host string) (*net.UDPAddr, error) {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		h, port = host, strconv.Itoa(DefaultPort)
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(h, port))
}

// User returns the user called name.
func (s *Snapshot) User(name string) (*UserEntry, bool) {
	u, ok := s.Users[name]
	return u, ok
}

// Peer returns the peer called name.
func (s *Snapshot) Peer(name string) (*PeerEntry, bool) {
	p, ok := s.Peers[name]
	return p, ok
}

// PeerByAddr finds a static peer configured at addr.
func (s *Snapshot) PeerByAddr(addr *net.UDPAddr) (*PeerEntry, bool) {
	for _, p := range s.Peers {
		if p.Addr != nil && p.Addr.Port == addr.Port && p.Addr.IP.Equal(addr.IP) {
			return p, true
		}
	}
	return nil, false
}
