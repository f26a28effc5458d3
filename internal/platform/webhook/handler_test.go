package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperr"
)

type webhookFixture struct {
	mr      *miniredis.Miniredis
	log     *MemoryEventLog
	handler *Handler
	calls   map[string]int
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &webhookFixture{mr: mr, log: NewMemoryEventLog(), calls: map[string]int{}}
	f.handler = NewHandler(NewVerifier(testSecret, 5*time.Minute), NewRedisDeduper(rdb, DedupeTTL), f.log, zerolog.Nop())
	f.handler.On("payment.succeeded", func(_ context.Context, ev *Event) error {
		f.calls[ev.ID]++
		return nil
	})
	return f
}

func (f *webhookFixture) post(t *testing.T, body []byte, header string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if header != "" {
		req.Header.Set(SignatureHeader, header)
	}
	rec := httptest.NewRecorder()
	err := f.handler.HandlePayment(e.NewContext(req, rec))
	return rec, err
}

func eventBody(id, typ string) []byte {
	b, _ := json.Marshal(map[string]any{"id": id, "type": typ, "data": map[string]any{"id": "pi_1", "amount": 1250}})
	return b
}

func TestHandlePayment_ProcessesOnce(t *testing.T) {
	f := newWebhookFixture(t)
	body := eventBody("evt_1", "payment.succeeded")
	header := SignatureHeaderValue(body, testSecret, time.Now())

	rec, err := f.post(t, body, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["received"] != true || resp["duplicate"] != nil {
		t.Errorf("unexpected response %v", resp)
	}
	if ttl := f.mr.TTL("webhook:evt_1"); ttl != 24*time.Hour {
		t.Errorf("expected 24h dedupe key, got %s", ttl)
	}

	rec, err = f.post(t, body, header)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["duplicate"] != true {
		t.Errorf("expected duplicate flag on replay, got %v", resp)
	}
	if f.calls["evt_1"] != 1 {
		t.Errorf("expected handler run once, got %d", f.calls["evt_1"])
	}
}

func TestHandlePayment_DedupesThroughEventLogWhenRedisDown(t *testing.T) {
	f := newWebhookFixture(t)
	body := eventBody("evt_2", "payment.succeeded")
	header := SignatureHeaderValue(body, testSecret, time.Now())

	if _, err := f.post(t, body, header); err != nil {
		t.Fatal(err)
	}
	f.mr.Close()

	rec, err := f.post(t, body, header)
	if err != nil {
		t.Fatalf("expected ack despite redis outage, got %v", err)
	}
	if rec.Code != http.StatusOK || f.calls["evt_2"] != 1 {
		t.Errorf("expected replay acknowledged without reprocessing, calls=%d", f.calls["evt_2"])
	}
}

func TestHandlePayment_RejectsBeforeParsing(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`not json at all`)

	if _, err := f.post(t, body, ""); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected 400 for missing header, got %v", err)
	}
	if _, err := f.post(t, body, "t=1,v1=00"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected 400 for bad signature, got %v", err)
	}
	if f.log.Len() != 0 || len(f.mr.Keys()) != 0 {
		t.Error("expected nothing recorded for unauthenticated bodies")
	}
}

func TestHandlePayment_InvalidJSONAfterValidSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"type":"payment.succeeded"}`)
	_, err := f.post(t, body, SignatureHeaderValue(body, testSecret, time.Now()))
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected 400 for event without id, got %v", err)
	}
}

func TestHandlePayment_UnknownTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)
	body := eventBody("evt_3", "payout.created")
	rec, err := f.post(t, body, SignatureHeaderValue(body, testSecret, time.Now()))
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("expected ack, got %v %d", err, rec.Code)
	}
	if f.log.Len() != 1 {
		t.Error("expected unknown event still recorded")
	}
}

func TestHandlePayment_EventLogFailureReleasesClaim(t *testing.T) {
	f := newWebhookFixture(t)
	f.log.err = errors.New("db down")
	body := eventBody("evt_4", "payment.succeeded")
	header := SignatureHeaderValue(body, testSecret, time.Now())

	if _, err := f.post(t, body, header); err == nil {
		t.Fatal("expected error when event log fails")
	}
	if f.mr.Exists("webhook:evt_4") {
		t.Fatal("expected claim released so the provider can retry")
	}

	f.log.err = nil
	if _, err := f.post(t, body, header); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.calls["evt_4"] != 1 {
		t.Errorf("expected retry to process the event, calls=%d", f.calls["evt_4"])
	}
}

func TestHandlePayment_HandlerFailureAllowsRedelivery(t *testing.T) {
	f := newWebhookFixture(t)
	fail := true
	f.handler.On("payment.failed", func(_ context.Context, ev *Event) error {
		f.calls[ev.ID]++
		if fail {
			return errors.New("ledger unavailable")
		}
		return nil
	})

	body := eventBody("evt_5", "payment.failed")
	header := SignatureHeaderValue(body, testSecret, time.Now())
	if _, err := f.post(t, body, header); err == nil {
		t.Fatal("expected handler error to surface")
	}
	if f.mr.Exists("webhook:evt_5") {
		t.Error("expected dedupe claim released")
	}
	if f.log.Len() != 0 {
		t.Error("expected event record removed")
	}

	fail = false
	rec, err := f.post(t, body, header)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["duplicate"] != nil || f.calls["evt_5"] != 2 {
		t.Errorf("expected redelivery processed, resp=%v calls=%d", resp, f.calls["evt_5"])
	}
}

func TestHandlePayment_UnconfiguredSecret(t *testing.T) {
	f := newWebhookFixture(t)
	f.handler.verifier = NewVerifier("", 5*time.Minute)

	body := eventBody("evt_6", "payment.succeeded")
	_, err := f.post(t, body, SignatureHeaderValue(body, "", time.Now()))
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected 503, got %v", err)
	}
	if f.calls["evt_6"] != 0 || f.log.Len() != 0 {
		t.Error("expected nothing processed")
	}
}
