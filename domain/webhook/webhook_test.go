package webhook

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

const testSecret = "whsec_testsecret"

func TestVerifySignature_RoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt_123","type":"invoice.paid"}`)
	header := SignatureHeader(payload, testSecret, baseTime)

	if err := VerifySignature(payload, header, testSecret, DefaultTolerance, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("VerifySignature() = %v", err)
	}
}

func TestVerifySignature_Rejections(t *testing.T) {
	payload := []byte(`{"id":"evt_123","type":"invoice.paid"}`)
	valid := SignatureHeader(payload, testSecret, baseTime)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		now     time.Time
		want    error
	}{
		{"missing header", payload, "", testSecret, baseTime, ErrMissingHeader},
		{"garbage header", payload, "nonsense", testSecret, baseTime, ErrInvalidHeader},
		{"no v1", payload, "t=1705320000", testSecret, baseTime, ErrInvalidHeader},
		{"bad timestamp", payload, "t=abc,v1=00", testSecret, baseTime, ErrInvalidHeader},
		{"wrong secret", payload, valid, "whsec_other", baseTime, ErrNoValidSignature},
		{"tampered payload", []byte(`{"id":"evt_123","type":"invoice.payment_failed"}`), valid, testSecret, baseTime, ErrNoValidSignature},
		{"replayed too late", payload, valid, testSecret, baseTime.Add(6 * time.Minute), ErrTimestampTolerance},
		{"signed in the future", payload, valid, testSecret, baseTime.Add(-6 * time.Minute), ErrTimestampTolerance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.payload, tt.header, tt.secret, DefaultTolerance, tt.now)
			if !errors.Is(err, tt.want) {
				t.Errorf("VerifySignature() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifySignature_AcceptsAnyMatchingV1(t *testing.T) {
	payload := []byte(`{}`)
	ts := baseTime.Unix()
	header := fmt.Sprintf("t=%d,v1=deadbeef,v0=ignored,v1=%s", ts, ComputeSignature(payload, testSecret, ts))

	if err := VerifySignature(payload, header, testSecret, DefaultTolerance, baseTime); err != nil {
		t.Errorf("VerifySignature() = %v", err)
	}
}

func TestVerifySignature_ZeroToleranceSkipsReplayCheck(t *testing.T) {
	payload := []byte(`{}`)
	header := SignatureHeader(payload, testSecret, baseTime)

	if err := VerifySignature(payload, header, testSecret, 0, baseTime.Add(48*time.Hour)); err != nil {
		t.Errorf("VerifySignature() = %v", err)
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"valid", `{"id":"evt_1","type":"invoice.paid","created":1705320000,"data":{"object":{}}}`, nil},
		{"not json", `{"id":`, ErrMalformedPayload},
		{"missing id", `{"type":"invoice.paid"}`, ErrMissingEventID},
		{"missing type", `{"id":"evt_1"}`, ErrMissingType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseEnvelope() err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestObjectOf(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"id":"evt_1","type":"x","data":{"object":{"id":"sub_1"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	obj, err := ObjectOf(env)
	if err != nil {
		t.Fatalf("ObjectOf() = %v", err)
	}
	if string(obj) != `{"id":"sub_1"}` {
		t.Errorf("object = %s", obj)
	}

	env.Data = nil
	if _, err := ObjectOf(env); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("ObjectOf(no data) = %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if ParseKind("customer.subscription.deleted") != KindSubscriptionDeleted {
		t.Error("expected subscription deleted kind")
	}
	if ParseKind("charge.refunded") != KindUnknown {
		t.Error("unhandled types should map to KindUnknown")
	}
}

func TestNewEvent_UsesProviderTimestamp(t *testing.T) {
	env := Envelope{ID: "evt_1", Type: "invoice.paid", Created: 1705000000}
	ev := NewEvent(env, []byte("{}"), baseTime)

	if !ev.EventCreatedAt.Equal(time.Unix(1705000000, 0)) {
		t.Errorf("EventCreatedAt = %v", ev.EventCreatedAt)
	}
	if ev.Attempts != 0 || ev.Processed {
		t.Error("new events start unprocessed with zero attempts")
	}
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{100, 5 * time.Minute},
	}

	prev := time.Duration(0)
	for _, tt := range tests {
		got := RetryDelay(tt.attempt, p)
		if got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
		if got < prev {
			t.Errorf("RetryDelay(%d) decreased", tt.attempt)
		}
		prev = got
	}
}

func TestStateMachine_FailTwiceThenSucceed(t *testing.T) {
	p := DefaultRetryPolicy()
	ev := NewEvent(Envelope{ID: "evt_1", Type: "invoice.paid"}, nil, baseTime)
	now := baseTime

	for i := 1; i <= 2; i++ {
		ev = BeginAttempt(ev)
		ev = MarkFailed(ev, "db timeout", now, p)
		if StateOf(ev, p) != StateRetrying {
			t.Fatalf("after failure %d state = %s, want retrying", i, StateOf(ev, p))
		}
		if ev.NextAttemptAt == nil || !ev.NextAttemptAt.After(now) {
			t.Fatalf("after failure %d next attempt not scheduled", i)
		}
		now = *ev.NextAttemptAt
	}

	ev = BeginAttempt(ev)
	ev = MarkProcessed(ev, now)

	if !ev.Processed || ev.Attempts != 3 {
		t.Errorf("got processed=%v attempts=%d, want true/3", ev.Processed, ev.Attempts)
	}
	if ev.LastError != "" {
		t.Errorf("LastError = %q, want cleared", ev.LastError)
	}
	if StateOf(ev, p) != StateProcessed {
		t.Errorf("state = %s", StateOf(ev, p))
	}
}

func TestStateMachine_DeadLetterAfterMaxAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	ev := NewEvent(Envelope{ID: "evt_1", Type: "invoice.paid"}, nil, baseTime)

	for i := 0; i < p.MaxAttempts; i++ {
		ev = BeginAttempt(ev)
		ev = MarkFailed(ev, "boom", baseTime, p)
	}

	if !IsDeadLettered(ev, p) {
		t.Fatalf("state = %s, want dead_lettered", StateOf(ev, p))
	}
	if ev.NextAttemptAt != nil {
		t.Error("dead-lettered events must not be scheduled again")
	}
	if ev.Processed {
		t.Error("dead-lettered events stay unprocessed")
	}

	ev = ResetForReplay(ev)
	if StateOf(ev, p) != StateReceived {
		t.Errorf("after replay reset state = %s, want received", StateOf(ev, p))
	}
}

func TestMarkFailed_TruncatesError(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	ev := MarkFailed(BeginAttempt(Event{}), string(long), baseTime, DefaultRetryPolicy())
	if len(ev.LastError) != 1003 {
		t.Errorf("len(LastError) = %d, want 1003", len(ev.LastError))
	}
}

func TestMarkFailed_TruncatesOnRuneBoundary(t *testing.T) {
	// "é" is two bytes, so byte 1000 falls inside a rune.
	msg := "x" + strings.Repeat("é", 1000)
	ev := MarkFailed(BeginAttempt(Event{}), msg, baseTime, DefaultRetryPolicy())
	if !utf8.ValidString(ev.LastError) {
		t.Fatalf("LastError is not valid UTF-8: %q", ev.LastError[len(ev.LastError)-8:])
	}
	if want := 999 + len("..."); len(ev.LastError) != want {
		t.Errorf("len(LastError) = %d, want %d", len(ev.LastError), want)
	}
	if !strings.HasSuffix(ev.LastError, "é...") {
		t.Errorf("LastError should end on a whole rune, got suffix %q", ev.LastError[len(ev.LastError)-6:])
	}
}

func TestIsNewer(t *testing.T) {
	if !IsNewer(baseTime, time.Time{}) {
		t.Error("anything is newer than nothing")
	}
	if !IsNewer(baseTime, baseTime) {
		t.Error("equal timestamps must apply")
	}
	if IsNewer(baseTime.Add(-time.Second), baseTime) {
		t.Error("older events must not apply")
	}
}

func TestLatency(t *testing.T) {
	ev := MarkProcessed(Event{CreatedAt: baseTime}, baseTime.Add(1500*time.Millisecond))
	if Latency(ev) != 1500*time.Millisecond {
		t.Errorf("Latency = %v", Latency(ev))
	}
	if Latency(Event{CreatedAt: baseTime}) != 0 {
		t.Error("unprocessed latency should be zero")
	}
}
