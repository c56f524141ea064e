package frame

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Element is a single tag-length-value information element.
type Element struct {
	ID   IE
	Data []byte
}

// IEs is an ordered list of information elements. Unknown tags are kept as
// is so that callers can ignore them.
type IEs []Element

// ApparentAddrLen is the size of an encoded IEApparentAddr value.
const ApparentAddrLen = 16

// ParseIEs splits an IAX payload into information elements. A value that
// runs past the end of the payload makes the whole frame malformed.
func ParseIEs(b []byte) (IEs, error) {
	var ies IEs
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: %d dangling bytes", ErrTruncatedIE, len(b))
		}
		id, n := IE(b[0]), int(b[1])
		if len(b)-2 < n {
			return nil, fmt.Errorf("%w: ie %#02x wants %d bytes, %d left", ErrTruncatedIE, uint8(id), n, len(b)-2)
		}
		val := make([]byte, n)
		copy(val, b[2:2+n])
		ies = append(ies, Element{ID: id, Data: val})
		b = b[2+n:]
	}
	return ies, nil
}

// Marshal encodes the list back into its wire form.
func (l IEs) Marshal() ([]byte, error) {
	size := 0
	for _, e := range l {
		if len(e.Data) > 255 {
			return nil, fmt.Errorf("%w: ie %#02x is %d bytes", ErrIETooLong, uint8(e.ID), len(e.Data))
		}
		size += 2 + len(e.Data)
	}
	out := make([]byte, 0, size)
	for _, e := range l {
		out = append(out, byte(e.ID), byte(len(e.Data)))
		out = append(out, e.Data...)
	}
	return out, nil
}

// Add appends a raw element.
func (l *IEs) Add(id IE, data []byte) {
	*l = append(*l, Element{ID: id, Data: data})
}

// AddEmpty appends a zero-length element, used as a flag.
func (l *IEs) AddEmpty(id IE) { l.Add(id, nil) }

// AddString appends a string element.
func (l *IEs) AddString(id IE, s string) { l.Add(id, []byte(s)) }

// AddUint8 appends a one-byte element.
func (l *IEs) AddUint8(id IE, v uint8) { l.Add(id, []byte{v}) }

// AddUint16 appends a big-endian two-byte element.
func (l *IEs) AddUint16(id IE, v uint16) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	l.Add(id, b)
}

// AddUint32 appends a big-endian four-byte element.
func (l *IEs) AddUint32(id IE, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	l.Add(id, b)
}

// AddAddr appends an IPv4 socket address in sockaddr_in layout.
func (l *IEs) AddAddr(id IE, addr *net.UDPAddr) {
	l.Add(id, EncodeAddr(addr))
}

// Get returns the first element with the given tag.
func (l IEs) Get(id IE) ([]byte, bool) {
	for _, e := range l {
		if e.ID == id {
			return e.Data, true
		}
	}
	return nil, false
}

// Has reports whether an element with the given tag is present.
func (l IEs) Has(id IE) bool {
	_, ok := l.Get(id)
	return ok
}

// Str returns a string element, or "" when absent.
func (l IEs) Str(id IE) string {
	b, _ := l.Get(id)
	return string(b)
}

// Uint8 returns a one-byte element. A wrong length counts as absent.
func (l IEs) Uint8(id IE) (uint8, bool) {
	b, ok := l.Get(id)
	if !ok || len(b) != 1 {
		return 0, false
	}
	return b[0], true
}

// Uint16 returns a two-byte element. A wrong length counts as absent.
func (l IEs) Uint16(id IE) (uint16, bool) {
	b, ok := l.Get(id)
	if !ok || len(b) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

// Uint32 returns a four-byte element. A wrong length counts as absent.
func (l IEs) Uint32(id IE) (uint32, bool) {
	b, ok := l.Get(id)
	if !ok || len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// Addr returns a socket address element.
func (l IEs) Addr(id IE) (*net.UDPAddr, bool) {
	b, ok := l.Get(id)
	if !ok {
		return nil, false
	}
	addr, err := DecodeAddr(b)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// EncodeAddr renders addr as family, port, IPv4 address and eight zero bytes.
func EncodeAddr(addr *net.UDPAddr) []byte {
	b := make([]byte, ApparentAddrLen)
	// AF_INET is stored little-endian as the original struct layout was copied raw.
	b[0] = 0x02
	if addr == nil {
		return b
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(addr.Port))
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(b[4:8], ip4)
	}
	return b
}

// DecodeAddr parses a sockaddr_in value.
func DecodeAddr(b []byte) (*net.UDPAddr, error) {
	if len(b) != ApparentAddrLen {
		return nil, fmt.Errorf("%w: address is %d bytes", ErrTruncatedIE, len(b))
	}
	ip := net.IPv4(b[4], b[5], b[6], b[7])
	return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(b[2:4]))}, nil
}

// DateTime packs t into the IEDateTime bit layout.
func DateTime(t time.Time) uint32 {
	v := uint32(t.Second()>>1) & 0x1f
	v |= (uint32(t.Minute()) & 0x3f) << 5
	v |= (uint32(t.Hour()) & 0x1f) << 11
	v |= (uint32(t.Day()) & 0x1f) << 16
	v |= (uint32(t.Month()) & 0x0f) << 21
	v |= (uint32(t.Year()-2000) & 0x7f) << 25
	return v
}
