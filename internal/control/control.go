// Package control implements the ioctl-equivalent control surface (spec
// §6): set_flags, get_flags, and the lifecycle verbs, served as
// connectrpc.com/connect unary handlers over a Unix socket, the same
// transport the teacher's admin interface (tui/admin_client.go) dials into.
//
// The teacher's admin surface talks to protoc-generated request/response
// types (gen/fsm/v1). This control surface has no .proto pipeline of its
// own, so it carries connect's generic handler constructor directly over
// google.golang.org/protobuf/types/known/structpb.Struct: a real protobuf
// message connect already knows how to frame and codec, just not one
// generated from a schema specific to this package. Every verb's request
// and response shape is documented per-handler instead of per-field in a
// .proto.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"connectrpc.com/connect"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flycow/snapfs"
	"github.com/flycow/snapfs/internal/chain"
	"github.com/flycow/snapfs/internal/cow"
	"github.com/flycow/snapfs/internal/hostfs"
	"github.com/flycow/snapfs/internal/lifecycle"
	"github.com/flycow/snapfs/internal/registry"
	"github.com/flycow/snapfs/internal/super"
)

// servicePrefix names the procedure namespace every handler is registered
// under, in place of a protoc-generated service name.
const servicePrefix = "/snapfs.v1.LifecycleService/"

// MaxConnections bounds how many simultaneous control-surface connections
// the listener accepts, mirroring spec §5's single-writer intent: many
// operators can hold a connection open, but internal/guard is still the
// only thing that actually serializes lifecycle calls.
const MaxConnections = 32

// Server exposes internal/lifecycle.Manager over the control surface.
type Server struct {
	mgr    *lifecycle.Manager
	events *registry.DB // optional; nil disables audit logging
	log    *logrus.Entry
	mux    *http.ServeMux
	seq    atomic.Uint32

	mu       sync.Mutex
	listener net.Listener
}

// New builds a control server bound to mgr. Call Serve to start accepting
// connections.
func New(mgr *lifecycle.Manager, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{mgr: mgr, log: log.WithField("component", "control"), mux: http.NewServeMux()}
	s.registerHandlers()
	return s
}

// WithEventLog attaches an audit log: every verb's outcome is recorded via
// registry.DB.RecordEvent, keyed by a DeriveOperationID run ID, so the
// monitor dashboard's events panel has something to show.
func (s *Server) WithEventLog(db *registry.DB) *Server {
	s.events = db
	return s
}

// recordEvent logs a verb's outcome against ino, if an event log is
// attached. Best-effort: a logging failure never masks the verb's own
// result, it's only reported via the component logger.
func (s *Server) recordEvent(ctx context.Context, verb string, ino hostfs.InodeID, err error) {
	if s.events == nil {
		return
	}
	seq := s.seq.Add(1)
	runID := snapfs.DeriveOperationID(verb, uint32(ino), seq)
	outcome, detail := registry.OutcomeOK, ""
	if err != nil {
		outcome, detail = registry.OutcomeError, err.Error()
	}
	if logErr := s.events.RecordEvent(ctx, uint32(ino), verb, runID, outcome, detail); logErr != nil {
		s.log.WithError(logErr).Warn("failed to record lifecycle event")
	}
}

func (s *Server) registerHandlers() {
	s.handle("SetFlags", s.setFlags)
	s.handle("GetFlags", s.getFlags)
	s.handle("Create", s.create)
	s.handle("Take", s.take)
	s.handle("Enable", s.enable)
	s.handle("Disable", s.disable)
	s.handle("Delete", s.delete)
	s.handle("Update", s.update)
	s.handle("Shrink", s.shrink)
	s.handle("Merge", s.merge)
	s.handle("Remove", s.remove)
	s.handle("Load", s.load)
	s.handle("Destroy", s.destroy)
}

func (s *Server) handle(method string, fn func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)) {
	procedure := servicePrefix + method
	handler := connect.NewUnaryHandler(procedure, fn)
	s.mux.Handle(procedure, handler)
}

// Serve listens on a Unix domain socket at socketPath and blocks serving
// control-surface requests until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", socketPath, err)
	}
	ln = netutil.LimitListener(ln, MaxConnections)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control: serving: %w", err)
		}
		return nil
	}
}

// Close shuts down the listener, if Serve was started.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// translateErr maps lifecycle's sentinel errors onto connect's status
// codes, the way a real ioctl surface maps errno values (spec §7).
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, lifecycle.ErrInvalid):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, cow.ErrNotPermitted):
		return connect.NewError(connect.CodePermissionDenied, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// nodeToStruct renders a chain node as the get_flags response shape: the
// inode number plus every flag bit as a bool keyed by its JSON name.
func nodeToStruct(n chain.Node) (*structpb.Struct, error) {
	fields := map[string]any{"inode": float64(n.Ino)}
	for _, bit := range []super.Flag{
		super.SNAPFILE, super.LIST, super.ACTIVE, super.ENABLED,
		super.INUSE, super.DELETED, super.SHRUNK, super.OPEN,
	} {
		fields[bit.JSONKey()] = n.HasFlag(bit)
	}
	return structpb.NewStruct(fields)
}

func inodeField(req *structpb.Struct, key string) (hostfs.InodeID, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("control: missing required field %q", key)
	}
	return hostfs.InodeID(uint32(v.GetNumberValue())), nil
}

// flagsByJSONKey is nodeToStruct's inverse, built once from super's flag
// table for load's request decoding.
var flagsByJSONKey = func() map[string]super.Flag {
	out := make(map[string]super.Flag)
	for _, bit := range []super.Flag{
		super.SNAPFILE, super.LIST, super.ACTIVE, super.ENABLED,
		super.INUSE, super.DELETED, super.SHRUNK, super.OPEN,
	} {
		out[bit.JSONKey()] = bit
	}
	return out
}()

func errNotFound(ino hostfs.InodeID) error {
	return fmt.Errorf("control: inode %d is not on the chain", ino)
}

func errMissingField(key string) error {
	return fmt.Errorf("control: missing required field %q", key)
}
