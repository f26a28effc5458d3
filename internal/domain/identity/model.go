package identity

import (
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/pkg/pagination"
)

type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	Role           auth.Role  `json:"role"`
	IsActive       bool       `json:"isActive"`
	LastLoginAt    *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Account projects the user onto what the session lookup needs.
func (u *User) Account() *auth.Account {
	return &auth.Account{
		ID:             u.ID,
		Email:          u.Email,
		Role:           u.Role,
		OrganizationID: u.OrganizationID,
		Active:         u.IsActive,
	}
}

// UserFilter narrows GET /users.
type UserFilter struct {
	Role     auth.Role
	IsActive *bool
	Search   string
}

func (f UserFilter) values(p pagination.Params) url.Values {
	v := url.Values{}
	v.Set("role", string(f.Role))
	if f.IsActive != nil {
		v.Set("isActive", strconv.FormatBool(*f.IsActive))
	}
	v.Set("search", f.Search)
	v.Set("page", strconv.Itoa(p.Page))
	v.Set("limit", strconv.Itoa(p.Limit))
	return v
}

type UserList struct {
	Users []*User         `json:"users"`
	Meta  pagination.Meta `json:"meta"`
}

// -- Requests --

type RegisterRequest struct {
	Email            string `json:"email" validate:"required,email,max=255"`
	Password         string `json:"password" validate:"required,min=8,max=128"`
	FirstName        string `json:"firstName" validate:"required,max=100"`
	LastName         string `json:"lastName" validate:"required,max=100"`
	OrganizationName string `json:"organizationName" validate:"required,max=200"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=128,nefield=CurrentPassword"`
}

type CreateUserRequest struct {
	Email     string    `json:"email" validate:"required,email,max=255"`
	Password  string    `json:"password" validate:"required,min=8,max=128"`
	FirstName string    `json:"firstName" validate:"required,max=100"`
	LastName  string    `json:"lastName" validate:"required,max=100"`
	Role      auth.Role `json:"role" validate:"required,oneof=admin manager biller rcm_specialist appeals_specialist"`
}

type UpdateRoleRequest struct {
	Role auth.Role `json:"role" validate:"required,oneof=admin manager biller rcm_specialist appeals_specialist"`
}

// AuthResult is returned by registration and login.
type AuthResult struct {
	User         *User           `json:"user"`
	Organization *Organization   `json:"organization"`
	Tokens       *auth.TokenPair `json:"-"`
}
