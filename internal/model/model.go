// Package model defines the core domain models for repligrid:
// identifiers, sites, replicas, rules, locks, bad-PFN declarations
// and transfer requests.
package model

import (
	"time"
)

// DIDType represents the kind of a data identifier.
type DIDType string

const (
	DIDTypeFile      DIDType = "FILE"
	DIDTypeDataset   DIDType = "DATASET"
	DIDTypeContainer DIDType = "CONTAINER"
)

// DID is a data identifier: a logical name for a file, dataset or
// container of data, scoped to avoid collisions between communities.
type DID struct {
	Scope     string    `json:"scope"`
	Name      string    `json:"name"`
	Type      DIDType   `json:"did_type"`
	Bytes     int64     `json:"bytes"`
	Open      bool      `json:"open"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the canonical scope:name form.
func (d DID) Key() string {
	return d.Scope + ":" + d.Name
}

// RSE is a storage endpoint capable of holding physical copies.
// Attributes (tier, medium, region, ...) drive rule-expression matching.
type RSE struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	ReadEnabled   bool              `json:"read_enabled"`
	WriteEnabled  bool              `json:"write_enabled"`
	DeleteEnabled bool              `json:"delete_enabled"`
	DegradedUntil *time.Time        `json:"degraded_until,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Degraded reports whether the endpoint itself is flagged as
// temporarily degraded at the given instant.
func (r *RSE) Degraded(now time.Time) bool {
	return r.DegradedUntil != nil && r.DegradedUntil.After(now)
}

// ReplicaState represents the lifecycle state of one physical copy.
type ReplicaState string

const (
	ReplicaStateCopying              ReplicaState = "COPYING"
	ReplicaStateAvailable            ReplicaState = "AVAILABLE"
	ReplicaStateTemporaryUnavailable ReplicaState = "TEMPORARY_UNAVAILABLE"
	ReplicaStateBad                  ReplicaState = "BAD"
	ReplicaStateBeingDeleted         ReplicaState = "BEING_DELETED"
)

// allowedTransitions enumerates the legal edges of the replica state
// machine. Anything not listed is a conflict, never a silent overwrite.
var allowedTransitions = map[ReplicaState][]ReplicaState{
	ReplicaStateCopying:              {ReplicaStateAvailable},
	ReplicaStateAvailable:            {ReplicaStateTemporaryUnavailable, ReplicaStateBad, ReplicaStateBeingDeleted},
	ReplicaStateTemporaryUnavailable: {ReplicaStateAvailable, ReplicaStateBad},
	ReplicaStateBad:                  {ReplicaStateBeingDeleted},
}

// TransitionAllowed reports whether from -> to is a legal edge.
func TransitionAllowed(from, to ReplicaState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Replica is one physical copy of a file identifier at an RSE.
type Replica struct {
	Scope            string       `json:"scope"`
	Name             string       `json:"name"`
	RSE              string       `json:"rse"`
	PFN              string       `json:"pfn"`
	Bytes            int64        `json:"bytes"`
	Checksum         string       `json:"checksum,omitempty"`
	State            ReplicaState `json:"state"`
	Reason           string       `json:"reason,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
	UnavailableUntil *time.Time   `json:"unavailable_until,omitempty"`
	TombstonedAt     *time.Time   `json:"tombstoned_at,omitempty"`
}

// RuleState represents the lifecycle state of a replication rule.
type RuleState string

const (
	RuleStateInject      RuleState = "INJECT"
	RuleStateReplicating RuleState = "REPLICATING"
	RuleStateOK          RuleState = "OK"
	RuleStateStuck       RuleState = "STUCK"
	RuleStateExpired     RuleState = "EXPIRED"
)

// RuleGrouping controls how copies are counted.
type RuleGrouping string

const (
	// GroupingAll counts copies for the whole identifier set as one group.
	GroupingAll RuleGrouping = "ALL"
	// GroupingDataset counts copies per dataset.
	GroupingDataset RuleGrouping = "DATASET"
	// GroupingNone counts copies independently per file.
	GroupingNone RuleGrouping = "NONE"
)

// Rule is a declarative replication policy: keep Copies copies of the
// identifier on sites matching RSEExpression. Lock counters are caches;
// the locks table is always recountable.
type Rule struct {
	ID               string       `json:"id"`
	Scope            string       `json:"scope"`
	Name             string       `json:"name"`
	RSEExpression    string       `json:"rse_expression"`
	Copies           int          `json:"copies"`
	Grouping         RuleGrouping `json:"grouping"`
	Activity         string       `json:"activity,omitempty"`
	State            RuleState    `json:"state"`
	Error            string       `json:"error,omitempty"`
	LocksOK          int          `json:"locks_ok"`
	LocksReplicating int          `json:"locks_replicating"`
	LocksStuck       int          `json:"locks_stuck"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// LockState represents the state of a rule's claim on a replica.
type LockState string

const (
	LockStateReplicating LockState = "REPLICATING"
	LockStateOK          LockState = "OK"
	LockStateStuck       LockState = "STUCK"
)

// Lock is a rule's claim on a specific replica counting toward its
// satisfaction. A replica may be locked by multiple rules.
type Lock struct {
	RuleID    string    `json:"rule_id"`
	Scope     string    `json:"scope"`
	Name      string    `json:"name"`
	RSE       string    `json:"rse"`
	State     LockState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// BadPFNState represents the processing state of a bad-PFN declaration.
type BadPFNState string

const (
	BadPFNStateNew        BadPFNState = "NEW"
	BadPFNStateClassified BadPFNState = "CLASSIFIED"
)

// Classification is the terminal triage outcome for one declaration epoch.
type Classification string

const (
	ClassificationTransient Classification = "TRANSIENT"
	ClassificationBad       Classification = "BAD"
)

// BadPFN is a site's report that a specific physical copy is unreadable.
// Transient until classified; a new declaration reopens the epoch.
type BadPFN struct {
	ID           int64          `json:"id"`
	PFN          string         `json:"pfn"`
	RSE          string         `json:"rse"`
	Reason       string         `json:"reason"`
	State        BadPFNState    `json:"state"`
	ClassifiedAs Classification `json:"classified_as,omitempty"`
	Occurrences  int            `json:"occurrences"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
}

// RequestType is the kind of corrective intent.
type RequestType string

const (
	RequestTypeTransfer RequestType = "TRANSFER"
	RequestTypeDelete   RequestType = "DELETE"
)

// RequestState is the lifecycle of a corrective intent.
type RequestState string

const (
	RequestStateQueued    RequestState = "QUEUED"
	RequestStateSubmitted RequestState = "SUBMITTED"
	RequestStateDone      RequestState = "DONE"
	RequestStateFailed    RequestState = "FAILED"
)

// Request is a transfer or deletion intent created by the reconciliation
// engine and terminated by the external transfer service's callback.
type Request struct {
	ID        string       `json:"id"`
	Scope     string       `json:"scope"`
	Name      string       `json:"name"`
	SourceRSE string       `json:"source_rse,omitempty"`
	DestRSE   string       `json:"dest_rse"`
	Type      RequestType  `json:"request_type"`
	State     RequestState `json:"state"`
	Attempts  int          `json:"attempts"`
	RuleID    string       `json:"rule_id,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Exclusion is a temporary placement ban: the identifier must not be
// re-placed onto the RSE until the cooldown elapses.
type Exclusion struct {
	Scope string    `json:"scope"`
	Name  string    `json:"name"`
	RSE   string    `json:"rse"`
	Until time.Time `json:"until"`
}

// RuleHistoryEntry records one rule state change for audit queries.
type RuleHistoryEntry struct {
	RuleID    string    `json:"rule_id"`
	State     RuleState `json:"state"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
