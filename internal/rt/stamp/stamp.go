// Package stamp implements 64-bit identities for transition frames.
//
// A Stamp packs the owning worker id and a per-chain push sequence number:
// - Top 16 bits: Worker ID (0-65535)
// - Bottom 48 bits: Sequence number
//
// Two frames of the same worker never share a stamp, so a stale frame handed
// back to a pop is told apart from the innermost one even when both captured
// the same shadow stack position.
package stamp

import "strconv"

// Stamp is a 64-bit frame identity.
// Layout: [Worker:16][Seq:48]
//
// Example: 0x0005_0000_0000_0012 represents Worker=5, Seq=18.
type Stamp uint64

const (
	// WorkerBits is the number of bits allocated for the worker id.
	WorkerBits = 16

	// SeqBits is the number of bits allocated for the sequence number.
	SeqBits = 48

	// SeqMask is the bitmask for extracting the sequence number.
	SeqMask = (1 << SeqBits) - 1
)

// New creates a stamp from a worker id and a sequence number.
// Sequence numbers beyond 48 bits wrap.
func New(worker uint16, seq uint64) Stamp {
	return Stamp(uint64(worker)<<SeqBits | (seq & SeqMask))
}

// Decode extracts the worker id and the sequence number.
func (s Stamp) Decode() (worker uint16, seq uint64) {
	//nolint:gosec // G115: Intentional truncation to extract top 16 bits.
	worker = uint16(s >> SeqBits)
	seq = uint64(s) & SeqMask
	return
}

// Worker returns the worker id.
func (s Stamp) Worker() uint16 {
	w, _ := s.Decode()
	return w
}

// Seq returns the sequence number.
func (s Stamp) Seq() uint64 {
	_, seq := s.Decode()
	return seq
}

// String returns "seq@worker" (e.g., "42@5").
func (s Stamp) String() string {
	worker, seq := s.Decode()
	return strconv.FormatUint(seq, 10) + "@" + strconv.FormatUint(uint64(worker), 10)
}
