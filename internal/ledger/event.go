// Package ledger implements a tamper-evident, append-only audit ledger.
//
// Every event is linked to its predecessor in the same chain (one chain per
// tenant) by a SHA-256 content hash over a canonical serialization of the
// event and the predecessor's hash. The Verifier replays a chain and reports
// every linkage, content and sequence violation it finds.
package ledger

import "time"

// AuditEvent is one immutable ledger record.
type AuditEvent struct {
	ChainID      string    `json:"chainId"`
	Sequence     int64     `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      string    `json:"actorId"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Before       *Value    `json:"before,omitempty"`
	After        *Value    `json:"after,omitempty"`
	PreviousHash string    `json:"previousHash"`
	ContentHash  string    `json:"contentHash"`
}

// HashInput returns the hashed subset of e.
func (e AuditEvent) HashInput() HashInput {
	return HashInput{
		Timestamp:    e.Timestamp,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Before:       e.Before,
		After:        e.After,
	}
}

// RecomputeHash derives the content hash from the stored fields.
func (e AuditEvent) RecomputeHash() string {
	return ComputeContentHash(e.HashInput(), e.PreviousHash)
}

// EventInput describes a state change reported by the request layer.
type EventInput struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Before       *Value
	After        *Value
}

// ViolationKind classifies a verification finding.
type ViolationKind string

const (
	ViolationChainLinkage  ViolationKind = "chain-linkage"
	ViolationContentTamper ViolationKind = "content-tamper"
	ViolationSequenceGap   ViolationKind = "sequence-gap"
)

// Violation is one integrity finding, tagged with the event's sequence position.
type Violation struct {
	Position int64         `json:"position"`
	Kind     ViolationKind `json:"kind"`
	Detail   string        `json:"detail"`
}

// VerificationReport is the outcome of replaying a chain.
type VerificationReport struct {
	ChainID     string      `json:"chainId"`
	Valid       bool        `json:"valid"`
	TotalEvents int         `json:"totalEvents"`
	Violations  []Violation `json:"violations"`
	VerifiedAt  time.Time   `json:"verifiedAt"`
}
