package frame

import (
	"encoding/binary"
	"fmt"
)

// Full is a decoded full frame. Full frames carry sequence numbers and are
// delivered reliably.
type Full struct {
	SrcCallNo  uint16
	DstCallNo  uint16
	Retransmit bool
	Timestamp  uint32
	OSeqNo     uint8
	ISeqNo     uint8
	Type       Type
	// Subclass is the uncompressed subclass: a Command for TypeIAX, a Format
	// for voice and video, a Control for TypeControl and so on.
	Subclass uint32
	// Mark is the video mark bit, carried in bit 6 of csub.
	Mark bool
	// IEs is populated for TypeIAX frames, Payload for everything else.
	IEs     IEs
	Payload []byte
}

// Command returns the subclass as an IAX command.
func (f *Full) Command() Command { return Command(f.Subclass) }

// IsIAX reports whether f is an IAX frame with the given command.
func (f *Full) IsIAX(c Command) bool { return f.Type == TypeIAX && Command(f.Subclass) == c }

// String summarises the header for log lines.
func (f *Full) String() string {
	sub := fmt.Sprintf("%d", f.Subclass)
	if f.Type == TypeIAX {
		sub = Command(f.Subclass).String()
	}
	return fmt.Sprintf("%s/%s src=%d dst=%d ts=%d o=%d i=%d r=%t",
		f.Type, sub, f.SrcCallNo, f.DstCallNo, f.Timestamp, f.OSeqNo, f.ISeqNo, f.Retransmit)
}

// Marshal encodes f. IEs are encoded for IAX frames, Payload otherwise.
func (f *Full) Marshal() ([]byte, error) {
	if f.SrcCallNo > MaxCallNo || f.DstCallNo > MaxCallNo {
		return nil, fmt.Errorf("%w: src=%d dst=%d", ErrBadCallNo, f.SrcCallNo, f.DstCallNo)
	}
	csub, err := f.csub()
	if err != nil {
		return nil, err
	}
	body := f.Payload
	if f.Type == TypeIAX {
		if body, err = f.IEs.Marshal(); err != nil {
			return nil, err
		}
	}
	out := make([]byte, FullHeaderLen+len(body))
	binary.BigEndian.PutUint16(out[0:2], f.SrcCallNo|flagFull)
	dst := f.DstCallNo
	if f.Retransmit {
		dst |= flagRetransmit
	}
	binary.BigEndian.PutUint16(out[2:4], dst)
	binary.BigEndian.PutUint32(out[4:8], f.Timestamp)
	out[8] = f.OSeqNo
	out[9] = f.ISeqNo
	out[10] = byte(f.Type)
	out[11] = csub
	copy(out[FullHeaderLen:], body)
	return out, nil
}

func (f *Full) csub() (uint8, error) {
	if f.Type != TypeVideo {
		return CompressSubclass(f.Subclass)
	}
	// Video formats sit above bit 15; the mark takes bit 6 so only the
	// power-of-two form is usable.
	c, err := CompressSubclass(f.Subclass)
	if err != nil {
		return 0, err
	}
	if c&0x80 != 0 && f.Mark {
		c |= 0x40
	}
	return c, nil
}

// DecodeFull parses a full frame. IEs are parsed for IAX frames; a malformed
// IE list is reported as an error.
func DecodeFull(b []byte) (*Full, error) {
	if len(b) < FullHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	src := binary.BigEndian.Uint16(b[0:2])
	if src&flagFull == 0 {
		return nil, ErrNotFull
	}
	dst := binary.BigEndian.Uint16(b[2:4])
	f := &Full{
		SrcCallNo:  src &^ flagFull,
		DstCallNo:  dst &^ flagRetransmit,
		Retransmit: dst&flagRetransmit != 0,
		Timestamp:  binary.BigEndian.Uint32(b[4:8]),
		OSeqNo:     b[8],
		ISeqNo:     b[9],
		Type:       Type(b[10]),
	}
	csub := b[11]
	if f.Type == TypeVideo && csub != 0xff && csub&0x80 != 0 {
		f.Mark = csub&0x40 != 0
		csub &^= 0x40
	}
	f.Subclass = UncompressSubclass(csub)
	body := b[FullHeaderLen:]
	if f.Type == TypeIAX {
		ies, err := ParseIEs(body)
		if err != nil {
			return f, err
		}
		f.IEs = ies
		return f, nil
	}
	f.Payload = append([]byte(nil), body...)
	return f, nil
}

// PeekFull reports whether b carries the full-frame bit and returns the
// source and destination call numbers without decoding further. It only
// needs the four cleartext header bytes, so it also works on encrypted frames.
func PeekFull(b []byte) (src, dst uint16, full bool) {
	if len(b) < 4 {
		return 0, 0, false
	}
	s := binary.BigEndian.Uint16(b[0:2])
	if s&flagFull == 0 {
		return s, 0, false
	}
	return s &^ flagFull, binary.BigEndian.Uint16(b[2:4]) &^ flagRetransmit, true
}

// RawInval builds an INVAL reply for a full frame addressed to an unknown
// call, echoing its timestamp and sequence numbers without any session state.
func RawInval(in *Full) ([]byte, error) {
	reply := &Full{
		SrcCallNo: in.DstCallNo,
		DstCallNo: in.SrcCallNo,
		Timestamp: in.Timestamp,
		OSeqNo:    in.ISeqNo,
		ISeqNo:    in.OSeqNo,
		Type:      TypeIAX,
		Subclass:  uint32(CmdInval),
	}
	return reply.Marshal()
}
