package control

import (
	"errors"
	"testing"

	"connectrpc.com/connect"

	"github.com/flycow/snapfs/internal/chain"
	"github.com/flycow/snapfs/internal/cow"
	"github.com/flycow/snapfs/internal/hostfs"
	"github.com/flycow/snapfs/internal/lifecycle"
	"github.com/flycow/snapfs/internal/super"
)

func TestNodeToStructRoundTrip(t *testing.T) {
	want := chain.Node{Ino: hostfs.InodeID(42), Flags: super.SNAPFILE | super.LIST | super.ENABLED}

	st, err := nodeToStruct(want)
	if err != nil {
		t.Fatalf("nodeToStruct: %v", err)
	}

	got, err := structToNode(st)
	if err != nil {
		t.Fatalf("structToNode: %v", err)
	}
	if got.Ino != want.Ino {
		t.Fatalf("inode: got %d, want %d", got.Ino, want.Ino)
	}
	if got.Flags != want.Flags {
		t.Fatalf("flags: got %s, want %s", got.Flags, want.Flags)
	}
}

func TestNodeToStructEveryBitKeyed(t *testing.T) {
	n := chain.Node{Ino: 1, Flags: super.ACTIVE | super.INUSE | super.DELETED | super.SHRUNK | super.OPEN}
	st, err := nodeToStruct(n)
	if err != nil {
		t.Fatalf("nodeToStruct: %v", err)
	}
	for _, key := range []string{"snapfile", "list", "active", "enabled", "inuse", "deleted", "shrunk", "open"} {
		if _, ok := st.GetFields()[key]; !ok {
			t.Fatalf("missing field %q in get_flags response", key)
		}
	}
	if !st.GetFields()["active"].GetBoolValue() {
		t.Fatal("expected active=true")
	}
	if st.GetFields()["enabled"].GetBoolValue() {
		t.Fatal("expected enabled=false")
	}
}

func TestTranslateErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want connect.Code
	}{
		{"invalid", lifecycle.ErrInvalid, connect.CodeFailedPrecondition},
		{"not permitted", cow.ErrNotPermitted, connect.CodePermissionDenied},
		{"other", errors.New("boom"), connect.CodeInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := translateErr(c.err)
			var ce *connect.Error
			if !errors.As(got, &ce) {
				t.Fatalf("translateErr(%v) did not return a *connect.Error", c.err)
			}
			if ce.Code() != c.want {
				t.Fatalf("code: got %v, want %v", ce.Code(), c.want)
			}
		})
	}
}

func TestTranslateErrNil(t *testing.T) {
	if translateErr(nil) != nil {
		t.Fatal("translateErr(nil) should return nil")
	}
}
