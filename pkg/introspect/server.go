// Package introspect exposes a read-only HTTP+JSON view over live process
// builders and connection objects, for debugging — the new component SPEC_FULL.md §8 adds in place of the teacher's
// gRPC-based kubeletplugin registration surface, since hand-authoring new
// protoc-gen-gogo stubs without running protoc was judged too risky (see
// pkg/handoff's doc comment for the same reasoning). Grounded on the
// teacher's test-driver kubeletplugin.go for the shape of a small
// lifecycle-bound debug server (construct with a mux, ListenAndServe in a
// goroutine, Stop via http.Server.Shutdown).
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/capkit/coeruntime/pkg/connobj"
	"github.com/capkit/coeruntime/pkg/process"
)

// ProcessView is the JSON-serializable snapshot of one process builder.
type ProcessView struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	NextFreeSlot uint32 `json:"nextFreeSlot"`
}

// ConnObjView is the JSON-serializable snapshot of one connection object.
type ConnObjView struct {
	Name     string `json:"name"`
	RefCount int32  `json:"refCount"`
}

// Registry is the set of live objects a Server reports on. Callers add and
// remove entries as builders and connection objects come and go; Registry
// itself is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*process.Builder
	connObjs  map[string]*connobj.Obj
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processes: make(map[string]*process.Builder),
		connObjs:  make(map[string]*connobj.Obj),
	}
}

// AddProcess registers a process builder under its own name.
func (r *Registry) AddProcess(b *process.Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[b.Name()] = b
}

// RemoveProcess unregisters a process builder by name.
func (r *Registry) RemoveProcess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, name)
}

// AddConnObj registers a connection object under its own name.
func (r *Registry) AddConnObj(o *connobj.Obj) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connObjs[o.Name()] = o
}

// RemoveConnObj unregisters a connection object by name.
func (r *Registry) RemoveConnObj(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connObjs, name)
}

// processByID returns the single process view named id, the process
// registry key being the process's own name (spec.md §8's `{id}` route).
func (r *Registry) processByID(id string) (ProcessView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.processes[id]
	if !ok {
		return ProcessView{}, fmt.Errorf("no process registered under %q", id)
	}
	return ProcessView{Name: b.Name(), State: b.State().String(), NextFreeSlot: b.NextFreeSlot()}, nil
}

func (r *Registry) snapshotProcesses() []ProcessView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProcessView, 0, len(r.processes))
	for _, b := range r.processes {
		out = append(out, ProcessView{Name: b.Name(), State: b.State().String(), NextFreeSlot: b.NextFreeSlot()})
	}
	return out
}

func (r *Registry) snapshotConnObjs() []ConnObjView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnObjView, 0, len(r.connObjs))
	for _, o := range r.connObjs {
		out = append(out, ConnObjView{Name: o.Name(), RefCount: o.RefCount()})
	}
	return out
}

// Server is a small, lifecycle-bound HTTP debug server over a Registry.
type Server struct {
	reg    *Registry
	srv    *http.Server
}

// NewServer builds a Server listening on addr, with routes GET /processes,
// GET /processes/{id}, GET /connections, and GET /healthz (spec.md §8).
func NewServer(addr string, reg *Registry) *Server {
	r := mux.NewRouter()
	s := &Server{reg: reg}
	r.HandleFunc("/processes", s.handleProcesses).Methods(http.MethodGet)
	r.HandleFunc("/processes/{id}", s.handleProcessByID).Methods(http.MethodGet)
	r.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) handleProcesses(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, s.reg.snapshotProcesses())
}

func (s *Server) handleProcessByID(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	view, err := s.reg.processByID(id)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleConnections(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, s.reg.snapshotConnObjs())
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.ErrorS(err, "failed to encode introspection response")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Start runs the HTTP server in a background goroutine. Errors after a
// clean Stop are suppressed, matching net/http.Server's documented
// ErrServerClosed contract.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "introspection server exited")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
