package ratelimit

import (
	"time"

	"github.com/rs/zerolog"
)

// Default rules. Max values are overridden from configuration.
var (
	AuthRule   = Rule{Name: "auth", Max: 5, Window: 15 * time.Minute, Message: "Too many login attempts, please try again later"}
	APIRule    = Rule{Name: "api", Max: 100, Window: 15 * time.Minute, Message: "Too many requests from this IP, please try again later"}
	UploadRule = Rule{Name: "upload", Max: 50, Window: time.Hour, Message: "Too many upload requests, please try again later"}
	AIRule     = Rule{Name: "ai", Max: 20, Window: time.Hour, Message: "Too many AI requests, please try again later"}
)

// Limits overrides the Max of each named limiter. Zero keeps the default.
type Limits struct {
	Auth   int
	API    int
	Upload int
	AI     int
}

// Set is the group of limiters mounted on the router.
type Set struct {
	Auth   *Limiter
	API    *Limiter
	Upload *Limiter
	AI     *Limiter
}

// NewSet builds the four limiters over one shared store.
func NewSet(store Store, limits Limits, failOpen bool, logger zerolog.Logger) *Set {
	build := func(r Rule, max int) *Limiter {
		if max > 0 {
			r.Max = max
		}
		return New(r, store, failOpen, logger)
	}
	return &Set{
		Auth:   build(AuthRule, limits.Auth),
		API:    build(APIRule, limits.API),
		Upload: build(UploadRule, limits.Upload),
		AI:     build(AIRule, limits.AI),
	}
}
