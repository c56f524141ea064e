package frame

import (
	"math/bits"
	"strings"
)

// Format is the IAX media format bitmask carried in IEFormat and IECapability.
type Format uint32

const (
	FormatG723      Format = 1 << 0
	FormatGSM       Format = 1 << 1
	FormatULaw      Format = 1 << 2
	FormatALaw      Format = 1 << 3
	FormatG726      Format = 1 << 4
	FormatADPCM     Format = 1 << 5
	FormatSLinear   Format = 1 << 6
	FormatLPC10     Format = 1 << 7
	FormatG729      Format = 1 << 8
	FormatSpeex     Format = 1 << 9
	FormatILBC      Format = 1 << 10
	FormatG726AAL2  Format = 1 << 11
	FormatG722      Format = 1 << 12
	FormatSLinear16 Format = 1 << 15
	FormatJPEG      Format = 1 << 16
	FormatPNG       Format = 1 << 17
	FormatH261      Format = 1 << 18
	FormatH263      Format = 1 << 19
	FormatH263P     Format = 1 << 20
	FormatH264      Format = 1 << 21

	// AudioMask covers every audio format bit.
	AudioMask Format = 0xffff
	// VideoMask covers every video format bit.
	VideoMask Format = 0x3f0000
)

type formatInfo struct {
	name string
	rate int
	// bytes per 20 ms and samples per byte are enough to size voice frames
	bytesPer20 int
}

var formats = map[Format]formatInfo{
	FormatG723:      {"g723", 8000, 24},
	FormatGSM:       {"gsm", 8000, 33},
	FormatULaw:      {"ulaw", 8000, 160},
	FormatALaw:      {"alaw", 8000, 160},
	FormatG726:      {"g726", 8000, 80},
	FormatADPCM:     {"adpcm", 8000, 80},
	FormatSLinear:   {"slin", 8000, 320},
	FormatLPC10:     {"lpc10", 8000, 7},
	FormatG729:      {"g729", 8000, 20},
	FormatSpeex:     {"speex", 8000, 0},
	FormatILBC:      {"ilbc", 8000, 0},
	FormatG726AAL2:  {"g726aal2", 8000, 80},
	FormatG722:      {"g722", 16000, 160},
	FormatSLinear16: {"slin16", 16000, 640},
	FormatJPEG:      {"jpeg", 90000, 0},
	FormatPNG:       {"png", 90000, 0},
	FormatH261:      {"h261", 90000, 0},
	FormatH263:      {"h263", 90000, 0},
	FormatH263P:     {"h263p", 90000, 0},
	FormatH264:      {"h264", 90000, 0},
}

// PreferenceOrder is the default host-side codec ranking, best first.
var PreferenceOrder = []Format{
	FormatG722, FormatSLinear16, FormatULaw, FormatALaw, FormatG726, FormatG726AAL2,
	FormatADPCM, FormatSLinear, FormatG729, FormatGSM, FormatILBC, FormatSpeex,
	FormatG723, FormatLPC10,
}

// Name returns the short codec name of a single-bit format.
func (f Format) Name() string {
	if fi, ok := formats[f]; ok {
		return fi.name
	}
	return "unknown"
}

// String lists every set bit by name.
func (f Format) String() string {
	if f == 0 {
		return "(nothing)"
	}
	var names []string
	for b := f; b != 0; b &= b - 1 {
		names = append(names, Format(1<<bits.TrailingZeros32(uint32(b))).Name())
	}
	return strings.Join(names, "|")
}

// SampleRate returns the clock rate of a single-bit format, 8000 when unknown.
func (f Format) SampleRate() int {
	if fi, ok := formats[f]; ok {
		return fi.rate
	}
	return 8000
}

// Samples estimates the number of samples carried by a voice payload.
func (f Format) Samples(payloadLen int) int {
	fi, ok := formats[f]
	if !ok || fi.bytesPer20 == 0 {
		return 160
	}
	per20 := fi.rate / 50
	return payloadLen * per20 / fi.bytesPer20
}

// IsVideo reports whether any video bit is set.
func (f Format) IsVideo() bool { return f&VideoMask != 0 }

// Lowest returns the lowest set bit, or zero.
func (f Format) Lowest() Format {
	if f == 0 {
		return 0
	}
	return f & -f
}

// FormatByName resolves a codec name. It returns false for unknown names.
func FormatByName(name string) (Format, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "all" {
		return AudioMask | VideoMask, true
	}
	for f, fi := range formats {
		if fi.name == name {
			return f, true
		}
	}
	return 0, false
}

// Best picks the best format out of caps using the default preference order,
// falling back to the lowest audio bit.
func Best(caps Format) Format {
	for _, f := range PreferenceOrder {
		if caps&f != 0 {
			return f
		}
	}
	return (caps & AudioMask).Lowest()
}

// Choose negotiates a single format from the intersection of caps, honouring
// the requested format first, then the preference list, then Best.
func Choose(caps, requested Format, prefs []Format) Format {
	if caps == 0 {
		return 0
	}
	if requested != 0 && caps&requested == requested && bits.OnesCount32(uint32(requested)) == 1 {
		return requested
	}
	for _, f := range prefs {
		if caps&f != 0 {
			return f
		}
	}
	return Best(caps)
}

// EncodePrefs renders a preference list as the IECodecPrefs string.
func EncodePrefs(prefs []Format) string {
	var b strings.Builder
	for _, f := range prefs {
		if f == 0 {
			continue
		}
		b.WriteByte(byte('A' + bits.TrailingZeros32(uint32(f)) + 1))
	}
	return b.String()
}

// DecodePrefs parses an IECodecPrefs string. Out of range characters are skipped.
func DecodePrefs(s string) []Format {
	prefs := make([]Format, 0, len(s))
	for i := 0; i < len(s); i++ {
		idx := int(s[i]) - 'A' - 1
		if idx < 0 || idx > 31 {
			continue
		}
		prefs = append(prefs, Format(1)<<uint(idx))
	}
	return prefs
}
