// Package snapfs defines the wire-level request/response types for the
// snapshot engine's lifecycle verbs, plus deterministic operation ID
// derivation (identity.go). internal/control's handlers decode
// structpb.Struct payloads directly and do not use these types.
package snapfs

import (
	"encoding/json"
	"time"
)

// CreateRequest requests a new, inactive snapshot inode.
//
// Callers SHOULD NOT choose the idempotency key themselves for repeated
// Create calls against the same logical target; derive one via
// DeriveOperationID and pass it through the control surface's request ID,
// not through this struct — Create itself takes no caller-supplied
// identity, the manager assigns the inode number.
type CreateRequest struct {
	// Group is the block group the new snapshot inode should be allocated
	// from (optional; zero means group 0).
	Group uint32 `json:"group,omitempty"`
}

// CreateResponse reports the newly created snapshot's inode number.
type CreateResponse struct {
	Ino       uint32    `json:"ino"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TakeRequest requests that the chain head become the active snapshot. It
// carries no fields: the head is always implicit.
type TakeRequest struct{}

// TakeResponse reports which inode became active.
type TakeResponse struct {
	Ino        uint32    `json:"ino"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// EnableRequest marks a snapshot enabled, making it mountable by exposing
// its full disksize.
type EnableRequest struct {
	Ino uint32 `json:"ino"`
}

// EnableResponse is empty on success.
type EnableResponse struct{}

// DisableRequest marks a snapshot disabled.
type DisableRequest struct {
	Ino uint32 `json:"ino"`
}

// DisableResponse is empty on success.
type DisableResponse struct{}

// DeleteRequest marks a snapshot deleted, pending reap by Update.
type DeleteRequest struct {
	Ino uint32 `json:"ino"`
}

// DeleteResponse is empty on success.
type DeleteResponse struct{}

// UpdateRequest requests a reconciliation pass: reap a deleted-oldest run
// and recompute INUSE bits across the chain.
type UpdateRequest struct{}

// UpdateResponse lists the inodes actually removed by the pass.
type UpdateResponse struct {
	Removed []uint32 `json:"removed"`
}

// ShrinkRequest flags every node strictly between Start and End SHRUNK.
type ShrinkRequest struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// ShrinkResponse is empty on success.
type ShrinkResponse struct{}

// MergeRequest folds every node strictly between Start and End into End.
type MergeRequest struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// MergeResponse is empty on success.
type MergeResponse struct{}

// RemoveRequest unlinks a single snapshot from the chain immediately.
type RemoveRequest struct {
	Ino uint32 `json:"ino"`
}

// RemoveResponse is empty on success.
type RemoveResponse struct{}

// LoadRequest reloads the chain from an oldest-first list of inodes, used
// at daemon startup to reconstruct in-memory chain state.
type LoadRequest struct {
	Inodes []uint32 `json:"inodes"`
}

// LoadResponse is empty on success.
type LoadResponse struct{}

// DestroyRequest clears the in-memory active-snapshot pointer and the
// bitmap cache; the chain and its snapshots are left as they are.
type DestroyRequest struct{}

// DestroyResponse is empty on success.
type DestroyResponse struct{}

// SetFlagsRequest sets or clears one settable flag (enabled, deleted,
// list) on a snapshot. Nothing in this module dispatches it; the control
// surface's set_flags acts on enabled and deleted only.
type SetFlagsRequest struct {
	Ino   uint32 `json:"ino"`
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// SetFlagsResponse is empty on success.
type SetFlagsResponse struct{}

// GetFlagsRequest asks for the full flag set on a snapshot.
type GetFlagsRequest struct {
	Ino uint32 `json:"ino"`
}

// GetFlagsResponse reports one bool per flag bit, keyed by its JSON key
// (e.g. "active", "enabled", "inuse").
type GetFlagsResponse struct {
	Flags map[string]bool `json:"flags"`
}

// Marshal/Unmarshal pairs give the wire types below one JSON codec. The
// empty response types, UpdateRequest and DestroyRequest have none.

func (r *CreateRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *CreateRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *CreateResponse) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *CreateResponse) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *TakeRequest) Marshal() ([]byte, error)     { return json.Marshal(r) }
func (r *TakeRequest) Unmarshal(b []byte) error     { return json.Unmarshal(b, r) }
func (r *TakeResponse) Marshal() ([]byte, error)    { return json.Marshal(r) }
func (r *TakeResponse) Unmarshal(b []byte) error    { return json.Unmarshal(b, r) }
func (r *EnableRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *EnableRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *DisableRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *DisableRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *DeleteRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *DeleteRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *UpdateResponse) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *UpdateResponse) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *ShrinkRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *ShrinkRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *MergeRequest) Marshal() ([]byte, error)    { return json.Marshal(r) }
func (r *MergeRequest) Unmarshal(b []byte) error    { return json.Unmarshal(b, r) }
func (r *RemoveRequest) Marshal() ([]byte, error)   { return json.Marshal(r) }
func (r *RemoveRequest) Unmarshal(b []byte) error   { return json.Unmarshal(b, r) }
func (r *LoadRequest) Marshal() ([]byte, error)     { return json.Marshal(r) }
func (r *LoadRequest) Unmarshal(b []byte) error     { return json.Unmarshal(b, r) }
func (r *SetFlagsRequest) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *SetFlagsRequest) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
func (r *GetFlagsRequest) Marshal() ([]byte, error)  { return json.Marshal(r) }
func (r *GetFlagsRequest) Unmarshal(b []byte) error  { return json.Unmarshal(b, r) }
func (r *GetFlagsResponse) Marshal() ([]byte, error) { return json.Marshal(r) }
func (r *GetFlagsResponse) Unmarshal(b []byte) error { return json.Unmarshal(b, r) }
