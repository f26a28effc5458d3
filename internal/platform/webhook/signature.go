// Package webhook receives signed payment-provider callbacks. The raw body
// is authenticated before it is parsed and every event id is processed at
// most once.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const SignatureHeader = "Payment-Signature"

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrMalformedHeader  = errors.New("malformed signature header")
	ErrTimestampSkew    = errors.New("signature timestamp outside tolerance")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrNoSecret         = errors.New("webhook secret not configured")
)

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of payload under
// secret, comparing in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func signedPayload(ts int64, body []byte) []byte {
	prefix := strconv.FormatInt(ts, 10) + "."
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	return append(out, body...)
}

// SignatureHeaderValue builds the header a sender attaches to body at time t.
func SignatureHeaderValue(body []byte, secret string, t time.Time) string {
	ts := t.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + SignPayload(signedPayload(ts, body), secret)
}

// Verifier checks "t=<unix>,v1=<hex>" headers. Several v1 entries may be
// present while the sender rotates secrets; any match is accepted.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Configured reports whether a signing secret is set.
func (v *Verifier) Configured() bool {
	return v.secret != ""
}

// Verify fails with ErrNoSecret when no secret is configured, whatever the
// header says.
func (v *Verifier) Verify(header string, body []byte) error {
	if v.secret == "" {
		return ErrNoSecret
	}
	if header == "" {
		return ErrMissingSignature
	}

	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedHeader
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return ErrMalformedHeader
			}
			ts = n
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrMalformedHeader
	}

	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrTimestampSkew
		}
	}

	payload := signedPayload(ts, body)
	for _, sig := range sigs {
		if VerifySignature(payload, v.secret, sig) {
			return nil
		}
	}
	return ErrBadSignature
}
