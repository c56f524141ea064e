package reliable

// InWindow reports whether an inbound iseqno acknowledges frames we
// actually sent: it must lie in [rseq, oseq], modulo 256.
func InWindow(rseq, oseq, iseq uint8) bool {
	return iseq-rseq <= oseq-rseq
}

// Order classifies an inbound sequence number against the one expected.
type Order int

const (
	InOrder Order = iota
	// Duplicate frames were already seen; they are acknowledged again and
	// not delivered.
	Duplicate
	// Future frames arrived ahead of a gap; the gap is requested with VNAK.
	Future
)

// Classify compares an inbound oseqno with the next expected sequence
// number.
func Classify(expected, got uint8) Order {
	switch {
	case got == expected:
		return InOrder
	case expected-got < 128:
		return Duplicate
	default:
		return Future
	}
}
