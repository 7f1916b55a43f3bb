package ipset

import (
	"fmt"
	"strconv"

	"github.com/pmlproject9/portset/pkg/portset"
)

// IPSet describes a kernel set.
type IPSet struct {
	Name      string
	SetType   string
	FirstPort uint16
	LastPort  uint16
	// Timeout is the default entry timeout of the kernel set, nil for none.
	Timeout *uint32
}

// New describes a kernel bitmap:port set with the configuration of desc.
func New(name string, desc portset.Descriptor) *IPSet {
	return &IPSet{
		Name:      name,
		SetType:   DefaultSetType,
		FirstPort: desc.FirstPort,
		LastPort:  desc.LastPort,
		Timeout:   desc.Timeout,
	}
}

// PortRange formats the range the way the ipset command expects it.
func (s *IPSet) PortRange() string {
	return fmt.Sprintf("%d-%d", s.FirstPort, s.LastPort)
}

func (s *IPSet) createArgs() []string {
	args := []string{"create", s.Name, s.SetType, "range", s.PortRange()}
	if s.Timeout != nil {
		args = append(args, "timeout", strconv.FormatUint(uint64(*s.Timeout), 10))
	}
	return args
}

// Entry is one member of a kernel set.
type Entry struct {
	Port uint16
	// Timeout in seconds, only meaningful for sets with timeout. Zero makes
	// the entry permanent.
	Timeout *uint32
}

// EntriesFromMembers converts a listing of a set into kernel entries.
func EntriesFromMembers(members []portset.Member) []Entry {
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		entries = append(entries, Entry{Port: m.Port, Timeout: m.Timeout})
	}
	return entries
}

func (e Entry) args() []string {
	args := []string{strconv.Itoa(int(e.Port))}
	if e.Timeout != nil {
		args = append(args, "timeout", strconv.FormatUint(uint64(*e.Timeout), 10))
	}
	return args
}
