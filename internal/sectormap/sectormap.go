// Package sectormap implements the per-sector flag vector that is the
// authoritative record of which logical sectors have ever failed.
package sectormap

// Map holds one record per logical sector. In memory each sector gets a
// full byte (flags fit easily and random access matters more than density);
// only the `bad` bit is persisted, packed eight sectors to a byte, which is
// what Pack/Unpack do.
type Map struct {
	flags         []byte // one byte per sector; see flag bit constants below
	numBad        uint64
	goodThisRound uint64
}

const (
	flagBad             = 1 << 0
	flagWrittenThisRound = 1 << 1
	flagReadThisRound    = 1 << 2
)

// New creates a Map for a device with n logical sectors, all initially good.
func New(n uint64) *Map {
	return &Map{flags: make([]byte, n)}
}

// Len returns the number of sectors tracked.
func (m *Map) Len() uint64 { return uint64(len(m.flags)) }

// IsBad reports whether sector i has ever failed.
func (m *Map) IsBad(i uint64) bool {
	return m.flags[i]&flagBad != 0
}

// MarkBad marks sector i as bad. Only a false->true transition increments
// the bad-sector counter; marking an already-bad sector is a no-op on the
// counter, preserving the monotonicity invariant and the num_bad == count
// invariant simultaneously.
func (m *Map) MarkBad(i uint64) {
	if m.flags[i]&flagBad == 0 {
		m.flags[i] |= flagBad
		m.numBad++
	}
}

// MarkBadRange marks every sector in [first, first+count) as bad.
func (m *Map) MarkBadRange(first, count uint64) {
	for i := uint64(0); i < count; i++ {
		m.MarkBad(first + i)
	}
}

// MarkGoodThisRound records that a previously-bad sector verified
// correctly during the current round's read-verify phase. The bad flag is
// deliberately left set -- the map is monotonic within a run -- but the
// per-round "recovered" counter used for scenario reporting is bumped.
func (m *Map) MarkGoodThisRound(i uint64) {
	if m.flags[i]&flagBad != 0 {
		m.goodThisRound++
	}
}

// GoodThisRound returns the number of previously-bad sectors that verified
// correctly during the current round (see spec §8 scenario 3 and
// SPEC_FULL.md's supplemented good_this_round counter).
func (m *Map) GoodThisRound() uint64 { return m.goodThisRound }

// MarkWritten flags every sector in [first, first+count) as written during
// the current round's write phase.
func (m *Map) MarkWritten(first, count uint64) {
	for i := uint64(0); i < count; i++ {
		m.flags[first+i] |= flagWrittenThisRound
	}
}

// MarkRead flags every sector in [first, first+count) as read during the
// current round's read-verify phase.
func (m *Map) MarkRead(first, count uint64) {
	for i := uint64(0); i < count; i++ {
		m.flags[first+i] |= flagReadThisRound
	}
}

// WasWrittenThisRound reports whether sector i was written during the
// current round.
func (m *Map) WasWrittenThisRound(i uint64) bool {
	return m.flags[i]&flagWrittenThisRound != 0
}

// WasReadThisRound reports whether sector i was read during the current
// round.
func (m *Map) WasReadThisRound(i uint64) bool {
	return m.flags[i]&flagReadThisRound != 0
}

// ResetPerRoundFlags clears written_this_round/read_this_round for every
// sector at a round boundary, and resets the per-round "recovered" counter.
// The bad flag is untouched.
func (m *Map) ResetPerRoundFlags() {
	const clearMask = ^byte(flagWrittenThisRound | flagReadThisRound)
	for i := range m.flags {
		m.flags[i] &= clearMask
	}
	m.goodThisRound = 0
}

// CountBad returns the number of sectors ever marked bad.
func (m *Map) CountBad() uint64 { return m.numBad }

// Pack serializes only the bad bits, eight sectors per byte, MSB = lowest
// sector index in the group, per the persisted-state format.
func (m *Map) Pack() []byte {
	out := make([]byte, (len(m.flags)+7)/8)
	for i, f := range m.flags {
		if f&flagBad != 0 {
			byteIdx := i / 8
			bitIdx := 7 - (i % 8) // MSB = lowest index
			out[byteIdx] |= 1 << uint(bitIdx)
		}
	}
	return out
}

// Unpack populates a fresh Map of n sectors from packed bad-bit data, as
// produced by Pack. It is an error if data is not exactly the expected
// ceil(n/8) bytes long.
func Unpack(data []byte, n uint64) (*Map, error) {
	want := (n + 7) / 8
	if uint64(len(data)) != want {
		return nil, ErrLengthMismatch
	}
	m := New(n)
	for i := uint64(0); i < n; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if data[byteIdx]&(1<<bitIdx) != 0 {
			m.flags[i] = flagBad
			m.numBad++
		}
	}
	return m, nil
}

// PackedLen returns the number of bytes Pack produces for n sectors.
func PackedLen(n uint64) uint64 { return (n + 7) / 8 }
