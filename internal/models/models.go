// Package models holds the shared data-model record types passed between
// every other package. Records are plain structs; references between them
// are key-based (tenant_id, rule_id, event_id, ...) rather than pointers, so
// the object graph never cycles.
package models

import (
	"encoding/json"
	"time"
)

// LedgerStatus is the closed set of ledger row outcomes.
type LedgerStatus int

const (
	LedgerAccepted LedgerStatus = 1
	LedgerQuarantine LedgerStatus = 2
	LedgerDLQ LedgerStatus = 3
)

func (s LedgerStatus) String() string {
	switch s {
	case LedgerAccepted:
		return "accepted"
	case LedgerQuarantine:
		return "quarantined"
	case LedgerDLQ:
		return "dlq"
	default:
		return "unknown"
	}
}

// Event is a normalized event record.
type Event struct {
	EventID string `json:"event_id"`
	TenantID string `json:"tenant_id"`
	SourceID string `json:"source_id"`
	SourceType string `json:"source_type"`
	SourceSeq *int64 `json:"source_seq,omitempty"`
	EventTimestamp int64 `json:"event_timestamp"`
	IngestionTimestamp int64 `json:"ingestion_timestamp"`
	EventCategory string `json:"event_category"`
	EventAction string `json:"event_action"`
	EventOutcome string `json:"event_outcome"`
	SourceIP string `json:"source_ip"`
	DestinationIP string `json:"destination_ip"`
	UserName string `json:"user_name"`
	Severity string `json:"severity"`
	Message string `json:"message"`
	RawEvent json.RawMessage `json:"raw_event"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	RetentionDays uint16 `json:"retention_days"`
	TIMatch bool `json:"ti_match,omitempty"`
	TIHits []string `json:"ti_hits,omitempty"`
	GeoCountry string `json:"geo_country,omitempty"`
	GeoASN string `json:"geo_asn,omitempty"`
}

// LedgerRow is a single (tenant, source, seq) accounting entry.
type LedgerRow struct {
	TenantID string
	SourceID string
	Seq int64
	Status LedgerStatus
	FirstSeen time.Time
}

// GapInterval is a [Start, End] inclusive range of missing sequence numbers.
type GapInterval struct {
	Start int64
	End int64
}

// QuarantineReason is the closed set of record-level quarantine causes.
type QuarantineReason string

const (
	ReasonMalformedJSON QuarantineReason = "MALFORMED_JSON"
	ReasonParseFail QuarantineReason = "PARSE_FAIL"
	ReasonSchemaFail QuarantineReason = "SCHEMA_FAIL"
)

// QuarantineRow preserves a record that failed validation/parse for later replay.
type QuarantineRow struct {
	Event
	Reason QuarantineReason `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}

// DLQRow is a payload rejected irrecoverably at the transport layer.
type DLQRow struct {
	QuarantineRow
	Source string `json:"source"`
}

// RuleMode is the closed set of alert-rule execution modes.
type RuleMode string

const (
	RuleModeBatch RuleMode = "batch"
	RuleModeStream RuleMode = "stream"
)

// Rule is an Alert Rule.
type Rule struct {
	RuleID string `json:"rule_id"`
	TenantScope string `json:"tenant_scope"`
	Name string `json:"name"`
	Severity string `json:"severity"`
	Enabled bool `json:"enabled"`
	Mode RuleMode `json:"mode"`
	ScheduleSec int `json:"schedule_sec"`
	StreamWindowSec int `json:"stream_window_sec"`
	ThrottleSeconds int `json:"throttle_seconds"`
	DedupKey []string `json:"dedup_key"`
	EntityKeys []string `json:"entity_keys,omitempty"`
	DSL string `json:"dsl"`
	CompiledSQL string `json:"compiled_sql"`
	GroupBy string `json:"group_by,omitempty"`
	Threshold int `json:"threshold,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityKeyFields returns the field list used to derive an incident's
// entity_key for this rule: EntityKeys if the rule author set one,
// otherwise DedupKey.
func (r Rule) EntityKeyFields() []string {
	if len(r.EntityKeys) > 0 {
		return r.EntityKeys
	}
	return r.DedupKey
}

// RuleState is the versioned scheduling state for a rule.
type RuleState struct {
	RuleID string
	TenantID string
	LastRunTS time.Time
	LastSuccessTS time.Time
	WatermarkTS time.Time
	LastError string
	DedupHash string
	LastAlertTS time.Time
	UpdatedAt time.Time
}

// AlertStatus is the closed set of alert lifecycle states.
type AlertStatus string

const (
	AlertOpen AlertStatus = "OPEN"
	AlertAck AlertStatus = "ACK"
	AlertClosed AlertStatus = "CLOSED"
)

// Alert is a rule-produced alert.
type Alert struct {
	AlertID string `json:"alert_id"`
	TenantID string `json:"tenant_id"`
	RuleID string `json:"rule_id"`
	AlertTitle string `json:"alert_title"`
	AlertDescription string `json:"alert_description"`
	EventRefs []string `json:"event_refs"`
	Severity string `json:"severity"`
	Status AlertStatus `json:"status"`
	AlertTimestamp time.Time `json:"alert_timestamp"`
	DedupHash string `json:"dedup_hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Incident groups alerts sharing (rule_id, entity_key) within a window.
type Incident struct {
	IncidentID string `json:"incident_id"`
	TenantID string `json:"tenant_id"`
	RuleID string `json:"rule_id"`
	EntityKey string `json:"entity_key"`
	Title string `json:"title"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen time.Time `json:"last_seen"`
	AlertCount int `json:"alert_count"`
	AlertIDs []string `json:"alert_ids"`
	Status AlertStatus `json:"status"`
}

// IdempotencyRecord is a route-scoped replay/conflict record.
type IdempotencyRecord struct {
	Route string
	Key string
	FirstSeenAt time.Time
	Attempts int
	ResponseHash string
	ResponseBody []byte
	ExpiresAt time.Time
}

// TenantLimits holds per-(tenant,source) rate-limit and retention config.
type TenantLimits struct {
	TenantID string
	Source string
	LimitEPS float64
	Burst int
	Enabled bool
	RetentionDays uint16
}

// Agent is an enrolled collector/agent.
type Agent struct {
	AgentID string `json:"agent_id"`
	TenantID string `json:"tenant_id"`
	SourceID string `json:"source_id"`
	Name string `json:"name"`
	APIKeyHash string `json:"-"`
	Version string `json:"version"`
	EPSLast float64 `json:"eps_last"`
	QueueDepthLast int `json:"queue_depth_last"`
	LastSeenAt time.Time `json:"last_seen_at"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Online reports whether the agent has been seen within the last 90s.
func (a Agent) Online(now time.Time) bool {
	return !a.LastSeenAt.Before(now.Add(-90 * time.Second))
}

// APIKeyScope is a single granted capability.
type APIKeyScope string

const (
	ScopeIngest APIKeyScope = "ingest"
	ScopeAdmin APIKeyScope = "admin"
	ScopeSearch APIKeyScope = "search"
)

// APIKey is an authentication credential scoped to a tenant.
type APIKey struct {
	KeyID string `json:"key_id"`
	TenantID string `json:"tenant_id"`
	Name string `json:"name"`
	Scopes []APIKeyScope `json:"scopes"`
	TokenHash string `json:"-"`
	Enabled bool `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// HasScope reports whether the key was granted the given scope.
func (k APIKey) HasScope(s APIKeyScope) bool {
	for _, sc := range k.Scopes {
		if sc == s {
			return true
		}
	}
	return false
}

// ParserKind is the closed set of parser definition kinds.
type ParserKind string

const (
	ParserKindRegex ParserKind = "regex"
	ParserKindGrammar ParserKind = "grammar"
)

// ParserDefinition is an immutable-per-version parser.
type ParserDefinition struct {
	ParserID string `json:"parser_id"`
	Name string `json:"name"`
	Version int `json:"version"`
	Kind ParserKind `json:"kind"`
	Body []byte `json:"body"`
	Samples []string `json:"samples"`
	Enabled bool `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
