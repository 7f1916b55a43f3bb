// Package portset implements bitmap:port sets: a fixed range of TCP/UDP ports
// stored as one bit per port, or as one expiry word per port when the set was
// created with a timeout.
//
// All operations on a set are safe for concurrent use. Writers (add, del,
// flush) take the set lock exclusively. Test, list and the expiry sweeper share
// it, so a sweep never blocks lookups.
package portset

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// TypeName is the set type implemented by this package.
const TypeName = "bitmap:port"

// headerSize is the accounted size of a set besides its member store.
const headerSize = 64

// ADT selects the operation applied to the elements of a request.
type ADT int

const (
	ADTTest ADT = iota
	ADTAdd
	ADTDel
)

func (a ADT) String() string {
	switch a {
	case ADTTest:
		return "test"
	case ADTAdd:
		return "add"
	case ADTDel:
		return "del"
	}
	return "unknown"
}

// Flags tune how ErrExist is reported by add and del.
type Flags uint32

const (
	// FlagExist suppresses ErrExist on single element add and del.
	FlagExist Flags = 1 << iota
	// FlagStrictExist reports ErrExist from range add and del, which
	// otherwise skip elements already added or already missing.
	FlagStrictExist
)

// Descriptor identifies the configuration of a set.
type Descriptor struct {
	FirstPort uint16 `json:"port"`
	LastPort  uint16 `json:"port_to"`
	// Timeout is the default entry timeout in seconds, nil for sets whose
	// entries never expire.
	Timeout *uint32 `json:"timeout,omitempty"`
}

// HasTimeout reports whether the descriptor selects the timeout variant.
func (d Descriptor) HasTimeout() bool {
	return d.Timeout != nil
}

// Width is the number of ports covered by the range.
func (d Descriptor) Width() int {
	return int(d.LastPort) - int(d.FirstPort) + 1
}

// Equal reports whether both descriptors have the same bounds and timeout.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.FirstPort == o.FirstPort &&
		d.LastPort == o.LastPort &&
		ptr.Equal(d.Timeout, o.Timeout)
}

func (d Descriptor) contains(port uint32) bool {
	return port >= uint32(d.FirstPort) && port <= uint32(d.LastPort)
}

// Options are the optional parameters of New.
type Options struct {
	// Name labels log lines and metrics.
	Name string
	// Clock drives expiry and the sweeper. Defaults to the real clock.
	Clock clock.WithTicker
	// MaxMemSize bounds the member store in bytes; zero means unbounded.
	MaxMemSize int
}

// Header is the description of a set returned by Head.
type Header struct {
	Descriptor
	MemSize int `json:"memsize"`
}

// Set is a bitmap:port set.
type Set struct {
	name atomic.Pointer[string]
	desc Descriptor

	mu      sync.RWMutex
	members store
	clock   timeoutClock

	gc          *sweeper
	destroyOnce sync.Once
}

// New creates a set over the given descriptor. Reversed bounds are swapped.
// A timeout set starts its sweeper, which runs until Destroy.
func New(desc Descriptor, opts Options) (*Set, error) {
	if desc.FirstPort > desc.LastPort {
		desc.FirstPort, desc.LastPort = desc.LastPort, desc.FirstPort
	}
	if desc.Timeout != nil {
		if *desc.Timeout == 0 {
			return nil, errors.Wrap(ErrProtocol, "zero timeout for a timeout set")
		}
		desc.Timeout = ptr.To(timeoutFromUser(*desc.Timeout))
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	width := desc.Width()
	size := bitmapWords(width) * wordBits / 8
	if desc.HasTimeout() {
		size = width * 8
	}
	if opts.MaxMemSize > 0 && headerSize+size > opts.MaxMemSize {
		return nil, errors.Wrapf(ErrAllocation, "%d bytes needed, limit is %d", headerSize+size, opts.MaxMemSize)
	}

	s := &Set{
		desc:  desc,
		clock: newTimeoutClock(opts.Clock),
	}
	s.SetName(opts.Name)
	if desc.HasTimeout() {
		s.members = newTimeoutStore(width)
		s.gc = newSweeper(s, opts.Clock, gcPeriod(*desc.Timeout))
		s.gc.start()
	} else {
		s.members = newBitmapStore(width)
	}
	klog.V(2).Infof("created set %q %s %d-%d (timeout %v, %d bytes)",
		opts.Name, TypeName, desc.FirstPort, desc.LastPort, ptr.Deref(desc.Timeout, 0), size)
	return s, nil
}

// Name returns the name the set is labelled with.
func (s *Set) Name() string {
	return *s.name.Load()
}

// SetName relabels the set, e.g. after a rename.
func (s *Set) SetName(name string) {
	s.name.Store(&name)
}

// Descriptor returns the configuration of the set.
func (s *Set) Descriptor() Descriptor {
	d := s.desc
	if d.Timeout != nil {
		d.Timeout = ptr.To(*d.Timeout)
	}
	return d
}

// SameSet reports whether both sets have the same configuration.
func (s *Set) SameSet(o *Set) bool {
	return s.desc.Equal(o.desc)
}

// Head returns the set bounds, timeout and allocated size.
func (s *Set) Head() Header {
	return Header{
		Descriptor: s.Descriptor(),
		MemSize:    headerSize + s.members.memsize(),
	}
}

// Test reports whether port is a member of the set.
func (s *Set) Test(port uint16) (bool, error) {
	if !s.desc.contains(uint32(port)) {
		observe(s, ADTTest, ErrOutOfRange)
		return false, outOfRange(uint32(port), s.desc)
	}
	s.mu.RLock()
	ok := s.members.test(port-s.desc.FirstPort, s.clock.now())
	s.mu.RUnlock()
	observe(s, ADTTest, nil)
	return ok, nil
}

// Add adds port with the default timeout of the set.
func (s *Set) Add(port uint16) error {
	return s.update(ADTAdd, port, port, nil, false)
}

// AddWithTimeout adds port with a timeout in seconds overriding the set
// default. Zero adds an entry which never expires. Sets without timeout
// reject it with ErrProtocol.
func (s *Set) AddWithTimeout(port uint16, timeout uint32) error {
	return s.update(ADTAdd, port, port, &timeout, false)
}

// Del removes port from the set.
func (s *Set) Del(port uint16) error {
	return s.update(ADTDel, port, port, nil, false)
}

// AddRange adds every port between port and portTo inclusive, in either
// order. Ports already in the set are skipped unless FlagStrictExist is set.
// The range is not atomic: on error, ports added before it stay.
func (s *Set) AddRange(port, portTo uint16, flags Flags) error {
	return s.update(ADTAdd, port, portTo, nil, ignoreExist(true, flags))
}

// AddRangeWithTimeout is AddRange with a timeout overriding the set default.
func (s *Set) AddRangeWithTimeout(port, portTo uint16, timeout uint32, flags Flags) error {
	return s.update(ADTAdd, port, portTo, &timeout, ignoreExist(true, flags))
}

// DelRange removes every port between port and portTo inclusive, in either
// order. Missing ports are skipped unless FlagStrictExist is set.
func (s *Set) DelRange(port, portTo uint16, flags Flags) error {
	return s.update(ADTDel, port, portTo, nil, ignoreExist(true, flags))
}

// Kadt applies adt to a single port with the set defaults, the way a packet
// classifier does. For ADTTest the result is membership; add and del report
// true on success.
func (s *Set) Kadt(adt ADT, port uint16) (bool, error) {
	switch adt {
	case ADTTest:
		return s.Test(port)
	case ADTAdd, ADTDel:
		err := s.update(adt, port, port, nil, false)
		return err == nil, err
	}
	return false, errors.Wrapf(ErrProtocol, "unknown operation %d", adt)
}

func ignoreExist(isRange bool, flags Flags) bool {
	if flags&FlagExist != 0 {
		return true
	}
	return isRange && flags&FlagStrictExist == 0
}

func (s *Set) update(adt ADT, port, portTo uint16, timeout *uint32, ignore bool) (err error) {
	defer func() { observe(s, adt, err) }()

	lo, hi := uint32(port), uint32(portTo)
	if lo > hi {
		lo, hi = hi, lo
	}
	if !s.desc.contains(lo) {
		return outOfRange(lo, s.desc)
	}
	if !s.desc.contains(hi) {
		return outOfRange(hi, s.desc)
	}
	if timeout != nil {
		if !s.desc.HasTimeout() {
			return errors.Wrap(ErrProtocol, "timeout given for a set without timeout")
		}
		if adt != ADTAdd {
			return errors.Wrapf(ErrProtocol, "timeout given for %s", adt)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.now()
	var expiry uint64
	if adt == ADTAdd && s.desc.HasTimeout() {
		t := *s.desc.Timeout
		if timeout != nil {
			t = timeoutFromUser(*timeout)
		}
		expiry = s.clock.expiry(t)
	}

	first := uint32(s.desc.FirstPort)
	for p := lo; p <= hi; p++ {
		id := uint16(p - first)
		if adt == ADTAdd {
			err = s.members.add(id, now, expiry)
		} else {
			err = s.members.del(id, now)
		}
		if err == nil {
			continue
		}
		if ignore && errors.Is(err, ErrExist) {
			err = nil
			continue
		}
		return errors.Wrapf(err, "%s port %d", adt, p)
	}
	return nil
}

// Flush removes every member.
func (s *Set) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members.flush()
	klog.V(4).Infof("flushed set %q", s.Name())
}

// Destroy stops the sweeper and waits for a running sweep to finish. The set
// must not be used afterwards.
func (s *Set) Destroy() {
	s.destroyOnce.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		DeleteMetrics(s.Name())
		klog.V(2).Infof("destroyed set %q", s.Name())
	})
}
