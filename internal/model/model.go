// Package model holds the normalized, typed representations the rest
// of the sync core operates on. Payloads are decoded into these
// structs once, at the admission boundary; every downstream component
// sees only IssueRecord / PageRecord / Mapping, never raw JSON.
package model

import "time"

// Provider identifies which side of the bridge an event or record
// belongs to.
type Provider string

const (
	ProviderSrc Provider = "SRC"
	ProviderTgt Provider = "TGT"
)

// SyncDirection records which way a Mapping was last written.
type SyncDirection string

const (
	DirectionSrcToTgt SyncDirection = "SRC->TGT"
	DirectionTgtToSrc SyncDirection = "TGT->SRC"
	DirectionNone     SyncDirection = "NONE"
)

// Outcome is the terminal state of a ProcessedEvent.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeOK         Outcome = "ok"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// InboundEvent is the immutable record of one webhook delivery.
type InboundEvent struct {
	Provider     Provider
	EventKind    string
	DeliveryID   string // may be empty
	RawPayload   []byte
	ReceivedAt   time.Time
	SourceIP     string
	ContentHash  string
}

// IssueRecord is the normalized view of a source issue.
type IssueRecord struct {
	SrcRepo     string
	SrcNumber   int
	Title       string
	Body        string
	State       string // "open" | "closed"
	Labels      []string
	Assignees   []string
	Author      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	URL         string
}

// PropertyKind tags the variant held by a PropertyValue.
type PropertyKind string

const (
	PropTitle       PropertyKind = "title"
	PropRichText    PropertyKind = "rich_text"
	PropSelect      PropertyKind = "select"
	PropMultiSelect PropertyKind = "multi_select"
	PropStatus      PropertyKind = "status"
	PropNumber      PropertyKind = "number"
	PropCheckbox    PropertyKind = "checkbox"
	PropDate        PropertyKind = "date"
	PropPeople      PropertyKind = "people"
	PropURL         PropertyKind = "url"
)

// PropertyValue is a tagged union over the target's typed property
// variants. Exactly one field matching Kind is meaningful.
type PropertyValue struct {
	Kind        PropertyKind
	Text        string   // title, rich_text, select, status, url
	MultiSelect []string // multi_select
	Number      *float64 // number; nil means "absent", not zero
	Checkbox    bool     // checkbox
	Date        *time.Time
	People      []string
}

// PageRecord is the normalized view of a target page.
type PageRecord struct {
	PageID       string
	DatabaseID   string
	Properties   map[string]PropertyValue
	LastEditedAt time.Time
	URL          string
}

// Mapping is the content-addressed coupling between one IssueRecord
// and one PageRecord.
type Mapping struct {
	SrcRepo           string
	SrcNumber         int
	PageID            string
	LastSrcHash       string
	LastTgtHash       string
	LastSyncDirection SyncDirection
	LastSyncAt        time.Time
	Version           int64
	Orphaned          bool
}

// ProcessedEvent is the idempotency ledger row.
type ProcessedEvent struct {
	Fingerprint string
	FirstSeenAt time.Time
	Outcome     Outcome
	Attempts    int
}

// DeadLetter is a failed event awaiting replay.
type DeadLetter struct {
	ID             string
	Fingerprint    string
	Provider       Provider
	EventKind      string
	RawPayload     []byte
	FailureReason  string
	Attempts       int
	NextAttemptAt  time.Time
	CreatedAt      time.Time
}

// CommentMapping links a comment on one side to its counterpart on the
// other, preventing re-posting when comment sync is enabled.
type CommentMapping struct {
	Side           Provider
	RemoteID       string
	OtherSide      Provider
	OtherRemoteID  string
}

// IssueUpdate is a partial update to apply to a source issue, built
// from only the fields a TGT->SRC translation actually changed.
type IssueUpdate struct {
	State     *string
	Title     *string
	Body      *string
	Labels    *[]string
	Assignees *[]string
}
