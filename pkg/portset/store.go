package portset

import (
	"math/bits"
	"sync/atomic"
)

const wordBits = bits.UintSize

// store is the fixed size member array of a set, indexed by port - first port.
// Callers hold the set lock: shared for test and gc, exclusive for add, del
// and flush.
type store interface {
	test(id uint16, now uint64) bool
	add(id uint16, now, expiry uint64) error
	del(id uint16, now uint64) error
	flush()
	// gc clears expired slots and returns how many were reclaimed.
	gc(now uint64) int
	// value returns the raw slot, used by listing.
	value(id uint16) uint64
	memsize() int
}

// bitmapStore keeps one presence bit per port.
type bitmapStore struct {
	members []uint
}

func newBitmapStore(width int) *bitmapStore {
	return &bitmapStore{members: make([]uint, bitmapWords(width))}
}

func bitmapWords(width int) int {
	return (width + wordBits - 1) / wordBits
}

func (m *bitmapStore) test(id uint16, _ uint64) bool {
	return m.members[int(id)/wordBits]&(1<<(uint(id)%wordBits)) != 0
}

func (m *bitmapStore) add(id uint16, _, _ uint64) error {
	w, b := int(id)/wordBits, uint(1)<<(uint(id)%wordBits)
	if m.members[w]&b != 0 {
		return ErrExist
	}
	m.members[w] |= b
	return nil
}

func (m *bitmapStore) del(id uint16, _ uint64) error {
	w, b := int(id)/wordBits, uint(1)<<(uint(id)%wordBits)
	if m.members[w]&b == 0 {
		return ErrExist
	}
	m.members[w] &^= b
	return nil
}

func (m *bitmapStore) flush() {
	clear(m.members)
}

func (m *bitmapStore) gc(uint64) int {
	return 0
}

func (m *bitmapStore) value(id uint16) uint64 {
	if m.test(id, 0) {
		return elemPermanent
	}
	return elemUnset
}

func (m *bitmapStore) memsize() int {
	return len(m.members) * wordBits / 8
}

// timeoutStore keeps one expiry word per port. Slots are accessed atomically
// since the sweeper clears them while holding only the shared lock.
type timeoutStore struct {
	members []atomic.Uint64
}

func newTimeoutStore(width int) *timeoutStore {
	return &timeoutStore{members: make([]atomic.Uint64, width)}
}

func (m *timeoutStore) test(id uint16, now uint64) bool {
	return timeoutTest(m.members[id].Load(), now)
}

func (m *timeoutStore) add(id uint16, now, expiry uint64) error {
	if m.test(id, now) {
		return ErrExist
	}
	m.members[id].Store(expiry)
	return nil
}

// del always clears the slot, even when the entry had already expired.
func (m *timeoutStore) del(id uint16, now uint64) error {
	var err error
	if !m.test(id, now) {
		err = ErrExist
	}
	m.members[id].Store(elemUnset)
	return err
}

func (m *timeoutStore) flush() {
	for i := range m.members {
		m.members[i].Store(elemUnset)
	}
}

func (m *timeoutStore) gc(now uint64) int {
	n := 0
	for i := range m.members {
		if timeoutExpired(m.members[i].Load(), now) {
			m.members[i].Store(elemUnset)
			n++
		}
	}
	return n
}

func (m *timeoutStore) value(id uint16) uint64 {
	return m.members[id].Load()
}

func (m *timeoutStore) memsize() int {
	return len(m.members) * 8
}
