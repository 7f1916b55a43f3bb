package portset

import (
	"github.com/pkg/errors"
)

// Member is one entry emitted by List.
type Member struct {
	Port uint16 `json:"port"`
	// Timeout is the remaining lifetime in seconds rounded up, set only for
	// timeout sets. Entries which never expire report zero.
	Timeout *uint32 `json:"timeout,omitempty"`
}

// List emits the members found from cursor onwards, at most limit of them when
// limit is positive. The returned cursor resumes the listing; zero means the
// end of the range was reached and a new listing starts over from the first
// port.
//
// A listing is not a snapshot. Each slot is read once, as it is when reached,
// so members changed behind the cursor are not revisited.
func (s *Set) List(cursor uint32, limit int) ([]Member, uint32, error) {
	last := uint32(s.desc.LastPort - s.desc.FirstPort)
	if cursor > last {
		return nil, 0, errors.Wrapf(ErrProtocol, "list cursor %d beyond %d slots", cursor, last+1)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.now()
	timed := s.desc.HasTimeout()
	var out []Member
	for id := cursor; id <= last; id++ {
		v := s.members.value(uint16(id))
		if !timeoutTest(v, now) {
			continue
		}
		if limit > 0 && len(out) == limit {
			return out, id, nil
		}
		m := Member{Port: s.desc.FirstPort + uint16(id)}
		if timed {
			r := timeoutRemaining(v, now)
			m.Timeout = &r
		}
		out = append(out, m)
	}
	return out, 0, nil
}

// Members lists the whole set page by page.
func (s *Set) Members(pageSize int) ([]Member, error) {
	var all []Member
	var cursor uint32
	for {
		page, next, err := s.List(cursor, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == 0 {
			return all, nil
		}
		cursor = next
	}
}
