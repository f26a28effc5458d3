// Package claims manages denied and pending insurance claims, their work
// history and the notes billers keep on them.
package claims

import (
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/pkg/pagination"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusAppealed    Status = "appealed"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
	StatusPaid        Status = "paid"
	StatusPartialPaid Status = "partial_paid"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAppealed, StatusResolved,
		StatusRejected, StatusPaid, StatusPartialPaid:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Action types written to the claim history.
const (
	ActionStatusChange = "status_change"
	ActionAssignment   = "assignment"
	ActionAIAnalysis   = "ai_analysis"
)

// RecentActionLimit bounds the history returned with a claim.
const RecentActionLimit = 10

const dateLayout = "2006-01-02"

type Claim struct {
	ID                  uuid.UUID  `json:"id"`
	OrganizationID      uuid.UUID  `json:"organizationId"`
	ClaimNumber         string     `json:"claimNumber"`
	PatientName         string     `json:"patientName"`
	PayerName           string     `json:"payerName"`
	DateOfService       time.Time  `json:"dateOfService"`
	TotalCharge         float64    `json:"totalCharge"`
	Status              Status     `json:"status"`
	Priority            Priority   `json:"priority"`
	DenialCode          string     `json:"denialCode,omitempty"`
	DenialReason        string     `json:"denialReason,omitempty"`
	AssignedTo          *uuid.UUID `json:"assignedTo,omitempty"`
	AssignedAt          *time.Time `json:"assignedAt,omitempty"`
	AIRecommendedAction string     `json:"aiRecommendedAction,omitempty"`
	AIConfidenceScore   *float64   `json:"aiConfidenceScore,omitempty"`
	AIAnalyzedAt        *time.Time `json:"aiAnalyzedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

type Action struct {
	ID          uuid.UUID  `json:"id"`
	ClaimID     uuid.UUID  `json:"claimId"`
	UserID      *uuid.UUID `json:"userId,omitempty"`
	ActionType  string     `json:"actionType"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Note struct {
	ID        uuid.UUID `json:"id"`
	ClaimID   uuid.UUID `json:"claimId"`
	UserID    uuid.UUID `json:"userId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Detail is a claim with its recent history and all of its notes.
type Detail struct {
	*Claim
	Actions []*Action `json:"actions"`
	Notes   []*Note   `json:"notes"`
}

// Filter narrows GET /claims.
type Filter struct {
	Status     Status
	Priority   Priority
	AssignedTo *uuid.UUID
	Search     string
	DateFrom   *time.Time
	DateTo     *time.Time
}

func (f Filter) values(p pagination.Params) url.Values {
	v := url.Values{}
	v.Set("status", string(f.Status))
	v.Set("priority", string(f.Priority))
	if f.AssignedTo != nil {
		v.Set("assignedTo", f.AssignedTo.String())
	}
	v.Set("search", f.Search)
	if f.DateFrom != nil {
		v.Set("dateFrom", f.DateFrom.Format(dateLayout))
	}
	if f.DateTo != nil {
		v.Set("dateTo", f.DateTo.Format(dateLayout))
	}
	v.Set("page", strconv.Itoa(p.Page))
	v.Set("limit", strconv.Itoa(p.Limit))
	return v
}

type List struct {
	Claims []*Claim        `json:"claims"`
	Meta   pagination.Meta `json:"meta"`
}

// Changes is the set of fields an update touches. Nil means unchanged.
type Changes struct {
	Status       *Status
	Priority     *Priority
	DenialCode   *string
	DenialReason *string
}

func (c Changes) Empty() bool {
	return c.Status == nil && c.Priority == nil && c.DenialCode == nil && c.DenialReason == nil
}

// Analysis is a denial recommendation stored on the claim.
type Analysis struct {
	RecommendedAction string
	Confidence        float64
	Priority          Priority
	AnalyzedAt        time.Time
}

// -- Requests --

type CreateRequest struct {
	ClaimNumber   string   `json:"claimNumber" validate:"required,max=100"`
	PatientName   string   `json:"patientName" validate:"required,max=200"`
	PayerName     string   `json:"payerName" validate:"required,max=200"`
	DateOfService string   `json:"dateOfService" validate:"required,datetime=2006-01-02"`
	TotalCharge   float64  `json:"totalCharge" validate:"gt=0"`
	Priority      Priority `json:"priority" validate:"omitempty,oneof=critical high medium low"`
	DenialCode    string   `json:"denialCode" validate:"omitempty,max=20"`
	DenialReason  string   `json:"denialReason" validate:"omitempty,max=1000"`
}

type UpdateRequest struct {
	Status       *Status   `json:"status" validate:"omitempty,oneof=pending in_progress appealed resolved rejected paid partial_paid"`
	Priority     *Priority `json:"priority" validate:"omitempty,oneof=critical high medium low"`
	DenialCode   *string   `json:"denialCode" validate:"omitempty,max=20"`
	DenialReason *string   `json:"denialReason" validate:"omitempty,max=1000"`
}

func (r UpdateRequest) changes() Changes {
	return Changes{Status: r.Status, Priority: r.Priority, DenialCode: r.DenialCode, DenialReason: r.DenialReason}
}

type AssignRequest struct {
	UserID uuid.UUID `json:"userId" validate:"required"`
}

type NoteRequest struct {
	Body string `json:"body" validate:"required,max=5000"`
}

type ActionRequest struct {
	ActionType  string `json:"actionType" validate:"required,max=50"`
	Description string `json:"description" validate:"required,max=2000"`
}
