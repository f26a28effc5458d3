package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds the page/limit pair from a list request. Page is 1-based.
type Params struct {
	Page  int
	Limit int
}

// FromContext reads ?page and ?limit. Missing or invalid values fall back to
// page 1 and DefaultLimit; limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	return Parse(c.QueryParam("page"), c.QueryParam("limit"))
}

func Parse(page, limit string) Params {
	p, _ := strconv.Atoi(page)
	if p < 1 {
		p = 1
	}
	l, _ := strconv.Atoi(limit)
	if l <= 0 {
		l = DefaultLimit
	}
	if l > MaxLimit {
		l = MaxLimit
	}
	return Params{Page: p, Limit: l}
}

// Offset is the number of rows to skip for this page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Meta accompanies every paginated list.
type Meta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func NewMeta(p Params, total int) Meta {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Meta{Page: p.Page, Limit: p.Limit, Total: total, TotalPages: pages}
}

// HasNext reports whether another page follows.
func (m Meta) HasNext() bool {
	return m.Page < m.TotalPages
}
