package frame

import (
	"encoding/binary"
	"fmt"
)

// Kind classifies a raw datagram by its leading bits.
type Kind int

const (
	KindInvalid Kind = iota
	KindFull
	KindMini
	KindVideo
	KindTrunk
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindMini:
		return "mini"
	case KindVideo:
		return "video"
	case KindTrunk:
		return "trunk"
	}
	return "invalid"
}

// Classify inspects the first bytes of a datagram.
func Classify(b []byte) Kind {
	if len(b) < MiniHeaderLen {
		return KindInvalid
	}
	first := binary.BigEndian.Uint16(b[0:2])
	switch {
	case first&flagFull != 0:
		if len(b) < FullHeaderLen {
			return KindInvalid
		}
		return KindFull
	case first != 0:
		return KindMini
	}
	// Meta frames: 16 zero bits, then either a video header (high bit set)
	// or a meta command.
	if b[2]&0x80 != 0 {
		if len(b) < VideoHeaderLen {
			return KindInvalid
		}
		return KindVideo
	}
	if len(b) >= TrunkHeaderLen && b[2] == metaTrunk {
		return KindTrunk
	}
	return KindInvalid
}

// Mini is a compressed voice frame carrying only the low 16 timestamp bits.
type Mini struct {
	CallNo    uint16
	Timestamp uint16
	Payload   []byte
}

// Marshal encodes a mini frame.
func (m *Mini) Marshal() ([]byte, error) {
	if m.CallNo == 0 || m.CallNo > MaxCallNo {
		return nil, fmt.Errorf("%w: %d", ErrBadCallNo, m.CallNo)
	}
	out := make([]byte, MiniHeaderLen+len(m.Payload))
	binary.BigEndian.PutUint16(out[0:2], m.CallNo)
	binary.BigEndian.PutUint16(out[2:4], m.Timestamp)
	copy(out[MiniHeaderLen:], m.Payload)
	return out, nil
}

// DecodeMini parses a mini frame.
func DecodeMini(b []byte) (*Mini, error) {
	if len(b) < MiniHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	callno := binary.BigEndian.Uint16(b[0:2])
	if callno&flagFull != 0 || callno == 0 {
		return nil, ErrNotMini
	}
	return &Mini{
		CallNo:    callno,
		Timestamp: binary.BigEndian.Uint16(b[2:4]),
		Payload:   append([]byte(nil), b[MiniHeaderLen:]...),
	}, nil
}

// Video is a video meta frame: 15 timestamp bits plus a mark bit.
type Video struct {
	CallNo    uint16
	Timestamp uint16
	Mark      bool
	Payload   []byte
}

// Marshal encodes a video meta frame.
func (v *Video) Marshal() ([]byte, error) {
	if v.CallNo > MaxCallNo {
		return nil, fmt.Errorf("%w: %d", ErrBadCallNo, v.CallNo)
	}
	out := make([]byte, VideoHeaderLen+len(v.Payload))
	binary.BigEndian.PutUint16(out[2:4], v.CallNo|videoMark)
	ts := v.Timestamp & 0x7fff
	if v.Mark {
		ts |= 0x8000
	}
	binary.BigEndian.PutUint16(out[4:6], ts)
	copy(out[VideoHeaderLen:], v.Payload)
	return out, nil
}

// DecodeVideo parses a video meta frame.
func DecodeVideo(b []byte) (*Video, error) {
	if len(b) < VideoHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	if binary.BigEndian.Uint16(b[0:2]) != 0 || b[2]&0x80 == 0 {
		return nil, ErrNotMeta
	}
	ts := binary.BigEndian.Uint16(b[4:6])
	return &Video{
		CallNo:    binary.BigEndian.Uint16(b[2:4]) &^ videoMark,
		Timestamp: ts & 0x7fff,
		Mark:      ts&0x8000 != 0,
		Payload:   append([]byte(nil), b[VideoHeaderLen:]...),
	}, nil
}

// TrunkEntry is one call's media inside a trunk frame.
type TrunkEntry struct {
	CallNo uint16
	// Timestamp is only carried when the trunk uses timestamped entries.
	Timestamp uint16
	Payload   []byte
}

// Trunk is a meta trunk frame aggregating media for many calls to one peer.
type Trunk struct {
	Timestamp uint32
	// WithTimestamps selects the mini-with-timestamp entry layout.
	WithTimestamps bool
	Entries        []TrunkEntry
}

// TrunkEntryOverhead returns the per-entry header size for the layout.
func TrunkEntryOverhead(withTimestamps bool) int {
	if withTimestamps {
		return 6
	}
	return 4
}

// AppendTrunkEntry appends a single encoded entry to buf. The trunk
// aggregator builds its buffers with this.
func AppendTrunkEntry(buf []byte, withTimestamps bool, e TrunkEntry) []byte {
	var hdr [6]byte
	if withTimestamps {
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(e.Payload)))
		binary.BigEndian.PutUint16(hdr[2:4], e.CallNo)
		binary.BigEndian.PutUint16(hdr[4:6], e.Timestamp)
		buf = append(buf, hdr[:6]...)
	} else {
		binary.BigEndian.PutUint16(hdr[0:2], e.CallNo)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(e.Payload)))
		buf = append(buf, hdr[:4]...)
	}
	return append(buf, e.Payload...)
}

// TrunkHeader renders the meta trunk header for an encoded entry block.
func TrunkHeader(ts uint32, withTimestamps bool) []byte {
	hdr := make([]byte, TrunkHeaderLen)
	hdr[2] = metaTrunk
	if withTimestamps {
		hdr[3] = metaTrunkMini
	}
	binary.BigEndian.PutUint32(hdr[4:8], ts)
	return hdr
}

// Marshal encodes the trunk frame.
func (t *Trunk) Marshal() ([]byte, error) {
	out := TrunkHeader(t.Timestamp, t.WithTimestamps)
	for _, e := range t.Entries {
		if e.CallNo > MaxCallNo || len(e.Payload) > 0xffff {
			return nil, fmt.Errorf("%w: trunk entry call %d", ErrBadCallNo, e.CallNo)
		}
		out = AppendTrunkEntry(out, t.WithTimestamps, e)
	}
	return out, nil
}

// DecodeTrunk parses a meta trunk frame. A truncated trailing entry is an
// error; entries before it are still returned.
func DecodeTrunk(b []byte) (*Trunk, error) {
	if len(b) < TrunkHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	if binary.BigEndian.Uint16(b[0:2]) != 0 || b[2] != metaTrunk {
		return nil, ErrNotMeta
	}
	t := &Trunk{
		Timestamp:      binary.BigEndian.Uint32(b[4:8]),
		WithTimestamps: b[3]&metaTrunkMini != 0,
	}
	rest := b[TrunkHeaderLen:]
	hdrLen := TrunkEntryOverhead(t.WithTimestamps)
	for len(rest) > 0 {
		if len(rest) < hdrLen {
			return t, fmt.Errorf("%w: trunk entry header", ErrShortFrame)
		}
		var e TrunkEntry
		var n int
		if t.WithTimestamps {
			n = int(binary.BigEndian.Uint16(rest[0:2]))
			e.CallNo = binary.BigEndian.Uint16(rest[2:4]) &^ flagFull
			e.Timestamp = binary.BigEndian.Uint16(rest[4:6])
		} else {
			e.CallNo = binary.BigEndian.Uint16(rest[0:2]) &^ flagFull
			n = int(binary.BigEndian.Uint16(rest[2:4]))
		}
		rest = rest[hdrLen:]
		if len(rest) < n {
			return t, fmt.Errorf("%w: trunk entry wants %d bytes, %d left", ErrShortFrame, n, len(rest))
		}
		e.Payload = append([]byte(nil), rest[:n]...)
		t.Entries = append(t.Entries, e)
		rest = rest[n:]
	}
	return t, nil
}
