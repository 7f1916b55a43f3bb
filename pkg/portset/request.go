package portset

import (
	"github.com/pkg/errors"
)

// CreateRequest holds the attributes of a create command. A timeout selects
// the timeout variant.
type CreateRequest struct {
	Port    *uint16 `json:"port"`
	PortTo  *uint16 `json:"port_to"`
	Timeout *uint32 `json:"timeout,omitempty"`
}

// Descriptor validates the request and returns the set configuration it asks
// for.
func (r *CreateRequest) Descriptor() (Descriptor, error) {
	if r.Port == nil || r.PortTo == nil {
		return Descriptor{}, errors.Wrap(ErrProtocol, "create needs both port and port_to")
	}
	d := Descriptor{FirstPort: *r.Port, LastPort: *r.PortTo}
	if d.FirstPort > d.LastPort {
		d.FirstPort, d.LastPort = d.LastPort, d.FirstPort
	}
	if r.Timeout != nil {
		if *r.Timeout == 0 {
			return Descriptor{}, errors.Wrap(ErrProtocol, "zero timeout")
		}
		t := timeoutFromUser(*r.Timeout)
		d.Timeout = &t
	}
	return d, nil
}

// ADTRequest holds the attributes of one add, del or test element. PortTo
// turns add and del into range operations. Lineno is carried for the caller's
// error reports and not interpreted.
type ADTRequest struct {
	Port    *uint16 `json:"port"`
	PortTo  *uint16 `json:"port_to,omitempty"`
	Timeout *uint32 `json:"timeout,omitempty"`
	Lineno  *uint32 `json:"lineno,omitempty"`
}

// Uadt applies a decoded request to the set. For ADTTest the boolean is the
// membership of Port; PortTo is ignored by test. Errors carry the request line
// number when one was given.
func (s *Set) Uadt(adt ADT, req *ADTRequest, flags Flags) (bool, error) {
	ok, err := s.uadt(adt, req, flags)
	if err != nil && req != nil && req.Lineno != nil {
		err = errors.Wrapf(err, "line %d", *req.Lineno)
	}
	return ok, err
}

func (s *Set) uadt(adt ADT, req *ADTRequest, flags Flags) (bool, error) {
	if req == nil || req.Port == nil {
		return false, errors.Wrap(ErrProtocol, "missing port")
	}
	port := *req.Port
	if !s.desc.contains(uint32(port)) {
		observe(s, adt, ErrOutOfRange)
		return false, outOfRange(uint32(port), s.desc)
	}
	if req.Timeout != nil && (!s.desc.HasTimeout() || adt != ADTAdd) {
		observe(s, adt, ErrProtocol)
		return false, errors.Wrapf(ErrProtocol, "timeout not accepted for %s", adt)
	}

	switch adt {
	case ADTTest:
		return s.Test(port)
	case ADTAdd, ADTDel:
	default:
		return false, errors.Wrapf(ErrProtocol, "unknown operation %d", adt)
	}

	portTo := port
	if req.PortTo != nil {
		portTo = *req.PortTo
	}
	err := s.update(adt, port, portTo, req.Timeout, ignoreExist(req.PortTo != nil, flags))
	return err == nil, err
}
