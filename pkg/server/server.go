// Package server exposes a registry of port sets over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pmlproject9/portset/pkg/portset"
	"github.com/pmlproject9/portset/pkg/registry"
)

// Server serves the control commands of a registry.
type Server struct {
	registry *registry.Registry
	// pageSize caps a members page; zero leaves pages unbounded.
	pageSize int
}

// SetList is the body of GET /sets.
type SetList struct {
	Sets []string `json:"sets"`
}

// MemberPage is the body of GET /sets/{name}/members. A zero cursor means the
// listing is complete.
type MemberPage struct {
	Members []portset.Member `json:"members"`
	Cursor  uint32           `json:"cursor"`
}

// TestResult is the body of POST /sets/{name}/test.
type TestResult struct {
	Member bool `json:"member"`
}

// Error is the body of every failed request.
type Error struct {
	Error  string  `json:"error"`
	Lineno *uint32 `json:"lineno,omitempty"`
}

func New(reg *registry.Registry, pageSize int) *Server {
	return &Server{registry: reg, pageSize: pageSize}
}

// Register adds the routes of s to r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/sets", s.listSets).Methods(http.MethodGet)
	r.HandleFunc("/sets/{name}", s.createSet).Methods(http.MethodPut)
	r.HandleFunc("/sets/{name}", s.headSet).Methods(http.MethodGet)
	r.HandleFunc("/sets/{name}", s.destroySet).Methods(http.MethodDelete)
	r.HandleFunc("/sets/{name}/flush", s.flushSet).Methods(http.MethodPost)
	r.HandleFunc("/sets/{name}/rename", s.renameSet).Methods(http.MethodPost)
	r.HandleFunc("/sets/{name}/swap", s.swapSet).Methods(http.MethodPost)
	r.HandleFunc("/sets/{name}/members", s.listMembers).Methods(http.MethodGet)
	r.HandleFunc("/sets/{name}/{adt:add|del|test}", s.uadt).Methods(http.MethodPost)
}

// Handler returns a router serving only the routes of s.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

func (s *Server) listSets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SetList{Sets: s.registry.Names()})
}

func (s *Server) createSet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	req := &portset.CreateRequest{}
	if err := decode(r, req); err != nil {
		writeError(w, err, nil)
		return
	}
	exist, err := boolQuery(r, "exist")
	if err != nil {
		writeError(w, err, nil)
		return
	}
	_, created, err := s.registry.Create(name, req, exist)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeHead(w, name, status)
}

func (s *Server) headSet(w http.ResponseWriter, r *http.Request) {
	s.writeHead(w, mux.Vars(r)["name"], http.StatusOK)
}

func (s *Server) writeHead(w http.ResponseWriter, name string, status int) {
	h, err := s.registry.Head(name)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, status, h)
}

func (s *Server) destroySet(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Destroy(mux.Vars(r)["name"]); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) flushSet(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Flush(mux.Vars(r)["name"]); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameSet(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if err := s.registry.Rename(mux.Vars(r)["name"], to); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) swapSet(w http.ResponseWriter, r *http.Request) {
	with := r.URL.Query().Get("with")
	if err := s.registry.Swap(mux.Vars(r)["name"], with); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	set, err := s.registry.Get(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err, nil)
		return
	}
	cursor, err := uintQuery(r, "cursor")
	if err != nil {
		writeError(w, err, nil)
		return
	}
	limit, err := uintQuery(r, "limit")
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if s.pageSize > 0 && (limit == 0 || int(limit) > s.pageSize) {
		limit = uint32(s.pageSize)
	}
	members, next, err := set.List(cursor, int(limit))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if members == nil {
		members = []portset.Member{}
	}
	writeJSON(w, http.StatusOK, MemberPage{Members: members, Cursor: next})
}

func (s *Server) uadt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	adt := portset.ADTTest
	switch vars["adt"] {
	case "add":
		adt = portset.ADTAdd
	case "del":
		adt = portset.ADTDel
	}

	req := &portset.ADTRequest{}
	if err := decode(r, req); err != nil {
		writeError(w, err, nil)
		return
	}
	var flags portset.Flags
	for name, flag := range map[string]portset.Flags{"exist": portset.FlagExist, "strict": portset.FlagStrictExist} {
		set, err := boolQuery(r, name)
		if err != nil {
			writeError(w, err, req.Lineno)
			return
		}
		if set {
			flags |= flag
		}
	}

	ok, err := s.registry.Uadt(vars["name"], adt, req, flags)
	if err != nil {
		writeError(w, err, req.Lineno)
		return
	}
	if adt == portset.ADTTest {
		writeJSON(w, http.StatusOK, TestResult{Member: ok})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(portset.ErrProtocol, "error to decode request: %v", err)
	}
	return nil
}

func boolQuery(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(portset.ErrProtocol, "bad %s %q", key, v)
	}
	return b, nil
}

func uintQuery(r *http.Request, key string) (uint32, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(portset.ErrProtocol, "bad %s %q", key, v)
	}
	return uint32(n), nil
}

// statusOf maps registry and set errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrSetExist),
		errors.Is(err, registry.ErrSetBusy),
		errors.Is(err, portset.ErrExist):
		return http.StatusConflict
	case errors.Is(err, portset.ErrOutOfRange),
		errors.Is(err, portset.ErrProtocol),
		errors.Is(err, registry.ErrBadName):
		return http.StatusBadRequest
	case errors.Is(err, portset.ErrAllocation):
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error, lineno *uint32) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		klog.Errorf("error serving request: %v", err)
	} else {
		klog.V(4).Infof("request failed: %v", err)
	}
	writeJSON(w, status, Error{Error: err.Error(), Lineno: lineno})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("error to write response: %v", err)
	}
}
