// Package registry keeps the named bitmap:port sets of an agent and routes
// control commands to them.
package registry

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/pmlproject9/portset/pkg/portset"
)

var (
	ErrNotFound = errors.New("set does not exist")
	ErrSetExist = errors.New("set with the same name already exists")
	ErrSetBusy  = errors.New("set is referenced")
	ErrBadName  = errors.New("invalid set name")
)

// MaxNameLen mirrors the kernel limit on set names, terminator included.
const MaxNameLen = 32

// Header describes a registered set.
type Header struct {
	portset.Header
	Name       string `json:"name"`
	Type       string `json:"type"`
	References int    `json:"references"`
}

type entry struct {
	set  *portset.Set
	refs int
}

// Registry holds named sets. It is safe for concurrent use.
type Registry struct {
	opts portset.Options

	mu   sync.RWMutex
	sets map[string]*entry

	listenersMu sync.Mutex
	listeners   []func(name string)
}

// New returns an empty registry. opts is used for every set created; its Name
// is replaced by the set name.
func New(opts portset.Options) *Registry {
	return &Registry{
		opts: opts,
		sets: map[string]*entry{},
	}
}

// OnChange registers fn to be called after a set was created, changed or
// removed. fn must not block.
func (r *Registry) OnChange(fn func(name string)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(names ...string) {
	r.listenersMu.Lock()
	listeners := append([]func(string){}, r.listeners...)
	r.listenersMu.Unlock()
	for _, name := range names {
		for _, fn := range listeners {
			fn(name)
		}
	}
}

func validName(name string) error {
	if name == "" || len(name) >= MaxNameLen {
		return errors.Wrapf(ErrBadName, "%q", name)
	}
	return nil
}

// Create adds a set built from req and reports whether it was created. If a
// set of that name exists, Create fails with ErrSetExist unless exist is true
// and the existing set has the same configuration, in which case the existing
// set is returned.
func (r *Registry) Create(name string, req *portset.CreateRequest, exist bool) (*portset.Set, bool, error) {
	if err := validName(name); err != nil {
		return nil, false, err
	}
	desc, err := req.Descriptor()
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	if e, ok := r.sets[name]; ok {
		r.mu.Unlock()
		if exist && e.set.Descriptor().Equal(desc) {
			return e.set, false, nil
		}
		return nil, false, errors.Wrapf(ErrSetExist, "%q", name)
	}
	opts := r.opts
	opts.Name = name
	s, err := portset.New(desc, opts)
	if err != nil {
		r.mu.Unlock()
		return nil, false, errors.Wrapf(err, "error creating set %s", name)
	}
	r.sets[name] = &entry{set: s}
	r.mu.Unlock()

	klog.Infof("created set %s", name)
	r.notify(name)
	return s, true, nil
}

// Get returns the named set.
func (r *Registry) Get(name string) (*portset.Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sets[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return e.set, nil
}

// Ref returns the named set and takes a reference on it, which keeps it from
// being destroyed until release is called.
func (r *Registry) Ref(name string) (*portset.Set, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sets[name]
	if !ok {
		return nil, nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	e.refs++
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			r.mu.Unlock()
		})
	}
	return e.set, release, nil
}

// Destroy removes the named set and stops its sweeper.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	e, ok := r.sets[name]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	if e.refs > 0 {
		r.mu.Unlock()
		return errors.Wrapf(ErrSetBusy, "%q has %d references", name, e.refs)
	}
	delete(r.sets, name)
	r.mu.Unlock()

	e.set.Destroy()
	klog.Infof("destroyed set %s", name)
	r.notify(name)
	return nil
}

// DestroyIfExist destroys the named set if it is registered.
func (r *Registry) DestroyIfExist(name string) error {
	err := r.Destroy(name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// DestroyAll destroys every unreferenced set.
func (r *Registry) DestroyAll() error {
	for _, name := range r.Names() {
		if err := r.DestroyIfExist(name); err != nil {
			return err
		}
	}
	return nil
}

// Flush empties the named set.
func (r *Registry) Flush(name string) error {
	s, err := r.Get(name)
	if err != nil {
		return err
	}
	s.Flush()
	r.notify(name)
	return nil
}

// Rename gives a set a new name. The new name must be free.
func (r *Registry) Rename(from, to string) error {
	if err := validName(to); err != nil {
		return err
	}
	r.mu.Lock()
	e, ok := r.sets[from]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", from)
	}
	if _, ok := r.sets[to]; ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrSetExist, "%q", to)
	}
	delete(r.sets, from)
	r.sets[to] = e
	e.set.SetName(to)
	r.mu.Unlock()
	portset.DeleteMetrics(from)

	r.notify(from, to)
	return nil
}

// Swap exchanges the contents of two sets by exchanging their names.
func (r *Registry) Swap(from, to string) error {
	r.mu.Lock()
	a, ok := r.sets[from]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", from)
	}
	b, ok := r.sets[to]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", to)
	}
	a.set, b.set = b.set, a.set
	a.set.SetName(from)
	b.set.SetName(to)
	r.mu.Unlock()

	r.notify(from, to)
	return nil
}

// Names returns the sorted names of all sets.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sets.List(sets.KeySet(r.sets))
}

// Head describes the named set.
func (r *Registry) Head(name string) (Header, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sets[name]
	if !ok {
		return Header{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return Header{
		Header:     e.set.Head(),
		Name:       name,
		Type:       portset.TypeName,
		References: e.refs,
	}, nil
}

// Uadt applies one add, del or test request to the named set.
func (r *Registry) Uadt(name string, adt portset.ADT, req *portset.ADTRequest, flags portset.Flags) (bool, error) {
	s, err := r.Get(name)
	if err != nil {
		return false, err
	}
	ok, err := s.Uadt(adt, req, flags)
	if err == nil && adt != portset.ADTTest {
		r.notify(name)
	}
	return ok, err
}
