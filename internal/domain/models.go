package domain

import (
	"time"

	"github.com/google/uuid"
)

type NodeID string

// NodeSource says which definition list a directory node came from: the
// authoritative inventory feed or the manually maintained fallback list.
type NodeSource string

const (
	SourceInventory NodeSource = "inventory"
	SourceFallback  NodeSource = "fallback"
)

// DirectoryNode is one directory-service host we probe. Inventory nodes
// always carry an IP address but may lack a DNS name; fallback nodes are
// keyed by DNS name and may not have a known IP until resolved.
type DirectoryNode struct {
	ID        NodeID     `json:"id"`
	Source    NodeSource `json:"source"`
	Name      string     `json:"name"`
	DNSName   string     `json:"dns_name,omitempty"`
	IPAddress string     `json:"ip_address,omitempty"`
	Bucket    string     `json:"bucket,omitempty"` // empty means the default bucket
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
}

// Address returns the best network address for the node: the DNS name when
// present, the IP address otherwise.
func (n DirectoryNode) Address() string {
	if n.DNSName != "" {
		return n.DNSName
	}
	return n.IPAddress
}

type OutcomeKind string

const (
	FullBind      OutcomeKind = "full_bind"
	AnonymousBind OutcomeKind = "anonymous_bind"
	Failed        OutcomeKind = "failed"
)

// ProbeOutcome is the immutable record of a single reachability probe.
// SearchElapsed is nil when the probe never reached the query phase, which
// is always the case for Failed outcomes.
type ProbeOutcome struct {
	UUID           uuid.UUID      `json:"uuid"`
	NodeID         NodeID         `json:"node_id"`
	Kind           OutcomeKind    `json:"kind"`
	ConnectElapsed time.Duration  `json:"connect_elapsed"`
	SearchElapsed  *time.Duration `json:"search_elapsed,omitempty"`
	Diagnostic     string         `json:"diagnostic,omitempty"`
	ProbedAt       time.Time      `json:"probed_at"`
	Expired        bool           `json:"expired"`
}

func (o ProbeOutcome) Succeeded() bool {
	return o.Kind == FullBind || o.Kind == AnonymousBind
}

// PerfBucket groups nodes that share acceptable-latency limits, typically by
// physical location. AvgWarn and AvgErr are compared against the mean
// query elapsed time, Alert against the maximum.
type PerfBucket struct {
	Name    string        `json:"name"`
	AvgWarn time.Duration `json:"avg_warn"`
	AvgErr  time.Duration `json:"avg_err"`
	Alert   time.Duration `json:"alert"`
}

type EntityID string

type EntityKind string

const (
	KindAgent      EntityKind = "agent"
	KindSite       EntityKind = "site"
	KindServer     EntityKind = "server"
	KindDatabase   EntityKind = "database"
	KindDomainPair EntityKind = "domain_pair"
	KindNode       EntityKind = "node"
)

// Entity is any monitored thing that produces liveness events. Entities are
// never destroyed, only disabled. Agents may belong to a site; the site is
// itself an entity of KindSite.
type Entity struct {
	ID        EntityID   `json:"id"`
	Kind      EntityKind `json:"kind"`
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Site      EntityID   `json:"site,omitempty"` // group membership, agents only
	CreatedAt time.Time  `json:"created_at"`
}

type EventType string

const (
	EventConnected EventType = "connected"
	EventSent      EventType = "sent"
	EventReceived  EventType = "received"
	EventAccessed  EventType = "accessed"
	EventVerified  EventType = "verified"
)

// Event is a timestamped liveness signal attributed to an entity.
type Event struct {
	EntityID EntityID  `json:"entity_id"`
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
}
