package control

import (
	"context"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/chain"
	"github.com/flycow/snapfs/internal/hostfs"
)

// setFlags implements spec §6's set_flags verb. Request fields: "inode"
// (number), plus "enabled" and "deleted" as bools: enabled=true calls
// Enable, enabled=false calls Disable, deleted=true calls Delete. The
// "list" key and deleted=false are ignored; set_flags does not let a caller
// force an arbitrary bit pattern, it drives the same lifecycle methods an
// ioctl caller would.
func (s *Server) setFlags(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	ino, err := inodeField(req.Msg, "inode")
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	fields := req.Msg.GetFields()
	if v, ok := fields["enabled"]; ok {
		if v.GetBoolValue() {
			err = s.mgr.Enable(ctx, ino)
			s.recordEvent(ctx, "enable", ino, err)
		} else {
			err = s.mgr.Disable(ctx, ino)
			s.recordEvent(ctx, "disable", ino, err)
		}
		if err != nil {
			return nil, translateErr(err)
		}
	}
	if v, ok := fields["deleted"]; ok && v.GetBoolValue() {
		err := s.mgr.Delete(ctx, ino)
		s.recordEvent(ctx, "delete", ino, err)
		if err != nil {
			return nil, translateErr(err)
		}
	}

	return s.getFlags(ctx, req)
}

// getFlags implements spec §6's get_flags verb. Request field: "inode".
// Response: every flag as a bool keyed by its JSON name, recomputed from
// the live chain rather than read back from the request.
func (s *Server) getFlags(_ context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	ino, err := inodeField(req.Msg, "inode")
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	node, ok := s.mgr.Chain().Node(ino)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, errNotFound(ino))
	}
	out, err := nodeToStruct(node)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// create implements spec §6's create verb. Request field: "group" (number).
// Response: the newly allocated snapshot inode.
func (s *Server) create(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	group := req.Msg.GetFields()["group"].GetNumberValue()
	ino, err := s.mgr.Create(ctx, block.Group(uint32(group)))
	s.recordEvent(ctx, "create", ino, err)
	if err != nil {
		return nil, translateErr(err)
	}
	out, err := structpb.NewStruct(map[string]any{"inode": float64(ino)})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// take implements spec §6's take verb. No request fields: take always
// activates the current chain head. Response: the activated inode.
func (s *Server) take(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	ino, err := s.mgr.Take(ctx)
	s.recordEvent(ctx, "take", ino, err)
	if err != nil {
		return nil, translateErr(err)
	}
	out, err := structpb.NewStruct(map[string]any{"inode": float64(ino)})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

func (s *Server) enable(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.simpleVerb(ctx, req, "enable", s.mgr.Enable)
}

func (s *Server) disable(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.simpleVerb(ctx, req, "disable", s.mgr.Disable)
}

func (s *Server) delete(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.simpleVerb(ctx, req, "delete", s.mgr.Delete)
}

func (s *Server) remove(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.simpleVerb(ctx, req, "remove", s.mgr.Remove)
}

// simpleVerb handles the "inode" in, empty-struct out shape shared by
// enable/disable/delete/remove.
func (s *Server) simpleVerb(ctx context.Context, req *connect.Request[structpb.Struct], verb string, fn func(context.Context, hostfs.InodeID) error) (*connect.Response[structpb.Struct], error) {
	ino, err := inodeField(req.Msg, "inode")
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	err = fn(ctx, ino)
	s.recordEvent(ctx, verb, ino, err)
	if err != nil {
		return nil, translateErr(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

// update implements spec §6's update verb (the reconciliation pass). No
// request fields. Response: "removed", the list of reaped inode numbers.
func (s *Server) update(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	removed, err := s.mgr.Update(ctx)
	s.recordEvent(ctx, "update", 0, err)
	if err != nil {
		return nil, translateErr(err)
	}
	nums := make([]any, len(removed))
	for i, ino := range removed {
		nums[i] = float64(ino)
	}
	out, err := structpb.NewStruct(map[string]any{"removed": nums})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

func (s *Server) shrink(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.rangeVerb(ctx, req, "shrink", s.mgr.Shrink)
}

func (s *Server) merge(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.rangeVerb(ctx, req, "merge", s.mgr.Merge)
}

// rangeVerb handles the "start"/"end" in, empty-struct out shape shared by
// shrink/merge.
func (s *Server) rangeVerb(ctx context.Context, req *connect.Request[structpb.Struct], verb string, fn func(context.Context, hostfs.InodeID, hostfs.InodeID) error) (*connect.Response[structpb.Struct], error) {
	start, err := inodeField(req.Msg, "start")
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	end, err := inodeField(req.Msg, "end")
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	err = fn(ctx, start, end)
	s.recordEvent(ctx, verb, end, err)
	if err != nil {
		return nil, translateErr(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

// load implements spec §6's load verb (mount-time chain rebuild). Request
// field: "nodes", a list of {"inode", <every flag key>} structs, oldest
// first — the same shape getFlags produces per node.
func (s *Server) load(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	nodesField, ok := req.Msg.GetFields()["nodes"]
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, errMissingField("nodes"))
	}
	var nodes []chain.Node
	for _, v := range nodesField.GetListValue().GetValues() {
		n, err := structToNode(v.GetStructValue())
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		nodes = append(nodes, n)
	}
	err := s.mgr.Load(ctx, nodes)
	s.recordEvent(ctx, "load", 0, err)
	if err != nil {
		return nil, translateErr(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

func (s *Server) destroy(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	err := s.mgr.Destroy(ctx)
	s.recordEvent(ctx, "destroy", 0, err)
	if err != nil {
		return nil, translateErr(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

func structToNode(st *structpb.Struct) (chain.Node, error) {
	ino, err := inodeField(st, "inode")
	if err != nil {
		return chain.Node{}, err
	}
	n := chain.Node{Ino: ino}
	for key, bit := range flagsByJSONKey {
		if st.GetFields()[key].GetBoolValue() {
			n.Flags |= bit
		}
	}
	return n, nil
}
