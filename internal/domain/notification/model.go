// Package notification stores per-user in-app notifications and pushes each
// new one to the user's open sockets.
package notification

import (
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/pkg/pagination"
)

// Type is the delivery channel recorded with a notification. Only in-app
// notifications are delivered today; the others are stored for the inbox.
type Type string

const (
	TypeInApp Type = "in_app"
	TypeEmail Type = "email"
	TypeSMS   Type = "sms"
)

func (t Type) Valid() bool {
	switch t {
	case TypeInApp, TypeEmail, TypeSMS:
		return true
	}
	return false
}

// EventNew is the socket event carrying a freshly created notification.
const EventNew = "notification:new"

type Notification struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	UserID         uuid.UUID  `json:"userId"`
	Type           Type       `json:"type"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	RelatedClaimID *uuid.UUID `json:"relatedClaimId,omitempty"`
	ActionURL      string     `json:"actionUrl,omitempty"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Filter narrows GET /notifications for one user.
type Filter struct {
	IsRead *bool
	Type   Type
}

type List struct {
	Notifications []*Notification `json:"notifications"`
	Meta          pagination.Meta `json:"meta"`
}
