package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
)

const (
	provider     = "payments"
	maxBodyBytes = 1 << 20
)

// Event is the provider's callback body.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventHandler reacts to one verified, first-seen event.
type EventHandler func(ctx context.Context, ev *Event) error

type Handler struct {
	verifier *Verifier
	dedupe   Deduper
	log      EventLog
	handlers map[string]EventHandler
	logger   zerolog.Logger
}

func NewHandler(verifier *Verifier, dedupe Deduper, log EventLog, logger zerolog.Logger) *Handler {
	h := &Handler{
		verifier: verifier,
		dedupe:   dedupe,
		log:      log,
		handlers: make(map[string]EventHandler),
		logger:   logger.With().Str("component", "webhook").Logger(),
	}
	if !verifier.Configured() {
		h.logger.Warn().Msg("WEBHOOK_SECRET not set, every webhook delivery will be rejected")
	}
	h.On("payment.succeeded", h.logPayment)
	h.On("payment.failed", h.logPayment)
	return h
}

// On registers fn for an event type, replacing any previous handler.
func (h *Handler) On(eventType string, fn EventHandler) {
	h.handlers[eventType] = fn
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/payments", h.HandlePayment)
}

// HandlePayment authenticates the raw body, then parses it. Replays of an
// already processed event id are acknowledged without running handlers.
func (h *Handler) HandlePayment(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return apperr.Validation("Unable to read request body", nil)
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Payload too large")
	}

	if err := h.verifier.Verify(c.Request().Header.Get(SignatureHeader), body); err != nil {
		if errors.Is(err, ErrNoSecret) {
			return apperr.Unavailable("Webhook receiver not configured", err)
		}
		h.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("webhook signature rejected")
		if errors.Is(err, ErrMissingSignature) {
			return apperr.Validation("Missing "+SignatureHeader+" header", nil)
		}
		return apperr.Validation("Webhook signature verification failed", nil)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return apperr.Validation("Invalid webhook payload", nil)
	}
	if ev.ID == "" || ev.Type == "" {
		return apperr.Validation("Invalid webhook payload", map[string]string{"id": errNoEventID.Error()})
	}

	ctx := c.Request().Context()
	dup, err := h.process(ctx, &ev)
	if err != nil {
		return err
	}
	resp := map[string]any{"received": true}
	if dup {
		resp["duplicate"] = true
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) process(ctx context.Context, ev *Event) (duplicate bool, err error) {
	claimed, err := h.dedupe.Claim(ctx, ev.ID)
	if err != nil {
		// Redis is only the fast path; the event log still deduplicates.
		h.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("webhook dedupe unavailable")
		claimed = true
	}
	if !claimed {
		h.logger.Info().Str("event_id", ev.ID).Msg("duplicate webhook ignored")
		return true, nil
	}

	release := func() {
		if err := h.dedupe.Release(context.WithoutCancel(ctx), ev.ID); err != nil {
			h.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to release webhook claim")
		}
	}

	fresh, err := h.log.Record(ctx, provider, ev)
	if err != nil {
		release()
		return false, err
	}
	if !fresh {
		h.logger.Info().Str("event_id", ev.ID).Msg("duplicate webhook ignored")
		return true, nil
	}

	fn, ok := h.handlers[ev.Type]
	if !ok {
		h.logger.Info().Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("unhandled webhook event type")
		return false, nil
	}
	if err := fn(ctx, ev); err != nil {
		h.logger.Error().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("webhook handler failed")
		// The provider retries on non-2xx; both markers must be gone by then.
		if ferr := h.log.Forget(context.WithoutCancel(ctx), ev.ID); ferr != nil {
			h.logger.Warn().Err(ferr).Str("event_id", ev.ID).Msg("failed to forget webhook event")
		}
		release()
		return false, err
	}
	return false, nil
}

func (h *Handler) logPayment(_ context.Context, ev *Event) error {
	var obj struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
	}
	_ = json.Unmarshal(ev.Data, &obj)
	h.logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("payment_id", obj.ID).
		Int64("amount", obj.Amount).
		Msg("payment event received")
	return nil
}
