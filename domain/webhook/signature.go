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

// DefaultTolerance is the accepted clock skew between signing and receipt.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingHeader      = errors.New("webhook: missing signature header")
	ErrInvalidHeader      = errors.New("webhook: invalid signature header")
	ErrNoValidSignature   = errors.New("webhook: no signatures found matching the expected signature")
	ErrTimestampTolerance = errors.New("webhook: timestamp outside the tolerance window")
)

// ComputeSignature returns hex(HMAC-SHA256(secret, ts + "." + payload)).
// This is a PURE function.
func ComputeSignature(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds a "t=<ts>,v1=<hex>" header for payload.
// This is a PURE function.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + ComputeSignature(payload, secret, ts)
}

// SignedHeader is a parsed signature header.
type SignedHeader struct {
	Timestamp  int64
	Signatures []string
}

// ParseSignatureHeader parses "t=<unix_ts>,v1=<hex>[,v1=<hex>...]".
// Unknown schemes are ignored.
// This is a PURE function.
func ParseSignatureHeader(header string) (SignedHeader, error) {
	var h SignedHeader
	if header == "" {
		return h, ErrMissingHeader
	}

	haveTS := false
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return SignedHeader{}, ErrInvalidHeader
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return SignedHeader{}, ErrInvalidHeader
			}
			h.Timestamp = ts
			haveTS = true
		case "v1":
			h.Signatures = append(h.Signatures, v)
		}
	}

	if !haveTS || len(h.Signatures) == 0 {
		return SignedHeader{}, ErrInvalidHeader
	}
	return h, nil
}

// VerifySignature checks header against payload and secret, and rejects
// timestamps further than tolerance from now. A non-positive tolerance
// disables the replay check.
// This is a PURE function.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	h, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	expected := []byte(ComputeSignature(payload, secret, h.Timestamp))
	matched := false
	for _, sig := range h.Signatures {
		if hmac.Equal([]byte(sig), expected) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrNoValidSignature
	}

	if tolerance > 0 {
		skew := now.Sub(time.Unix(h.Timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrTimestampTolerance
		}
	}
	return nil
}
