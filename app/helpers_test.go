package app_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/artpar/usagegate/adapters/clock"
	"github.com/artpar/usagegate/adapters/memory"
	"github.com/artpar/usagegate/core/events"
	"github.com/artpar/usagegate/domain/abuse"
	"github.com/artpar/usagegate/domain/plan"
	"github.com/artpar/usagegate/domain/quota"
	"github.com/artpar/usagegate/domain/ratelimit"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

var errStoreDown = errors.New("connection refused")

// testStart is mid-month so period boundaries stay out of the way.
var testStart = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestClock() *clock.Fake {
	return clock.NewFake(testStart)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind())
	}
	return out
}

func (r *recorder) count(k events.Kind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

// failingUsageStore fails every call.
type failingUsageStore struct{}

func (failingUsageStore) Reserve(ctx context.Context, key quota.Key, amount, limit int64, periodEnd time.Time) (int64, bool, error) {
	return 0, false, errStoreDown
}
func (failingUsageStore) Release(ctx context.Context, key quota.Key, amount int64) (int64, error) {
	return 0, errStoreDown
}
func (failingUsageStore) Get(ctx context.Context, key quota.Key) (int64, error) {
	return 0, errStoreDown
}
func (failingUsageStore) Reset(ctx context.Context, key quota.Key) error { return errStoreDown }
func (failingUsageStore) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	return 0, errStoreDown
}

// slowUsageStore blocks until the context is done.
type slowUsageStore struct{ failingUsageStore }

func (slowUsageStore) Reserve(ctx context.Context, key quota.Key, amount, limit int64, periodEnd time.Time) (int64, bool, error) {
	<-ctx.Done()
	return 0, false, ctx.Err()
}

// failingRateLimitStore fails every call.
type failingRateLimitStore struct{}

func (failingRateLimitStore) Record(ctx context.Context, r ratelimit.Record) error { return errStoreDown }
func (failingRateLimitStore) Window(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (ratelimit.WindowState, error) {
	return ratelimit.WindowState{}, errStoreDown
}
func (failingRateLimitStore) Count(ctx context.Context, id ratelimit.Identifier, class ratelimit.Class, since time.Time) (int, error) {
	return 0, errStoreDown
}
func (failingRateLimitStore) WindowByIP(ctx context.Context, ip string, since time.Time) (ratelimit.WindowState, error) {
	return ratelimit.WindowState{}, errStoreDown
}
func (failingRateLimitStore) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return 0, errStoreDown
}
func (failingRateLimitStore) DistinctIPs(ctx context.Context, id ratelimit.Identifier, since time.Time) (int, error) {
	return 0, errStoreDown
}
func (failingRateLimitStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	return 0, errStoreDown
}

// failingSuspensionStore fails every call.
type failingSuspensionStore struct{}

func (failingSuspensionStore) Active(ctx context.Context, identifier string, now time.Time) (abuse.Suspension, error) {
	return abuse.Suspension{}, errStoreDown
}
func (failingSuspensionStore) Create(ctx context.Context, s abuse.Suspension) error { return errStoreDown }
func (failingSuspensionStore) List(ctx context.Context, now time.Time) ([]abuse.Suspension, error) {
	return nil, errStoreDown
}
func (failingSuspensionStore) Lift(ctx context.Context, identifier string) error { return errStoreDown }
func (failingSuspensionStore) Expire(ctx context.Context, now time.Time) (int64, error) {
	return 0, errStoreDown
}

// fakeNotifier records alerts and can be told to fail.
type fakeNotifier struct {
	mu     sync.Mutex
	alerts []ports.Alert
	err    error
}

func (n *fakeNotifier) Notify(ctx context.Context, a ports.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *fakeNotifier) sent() []ports.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ports.Alert(nil), n.alerts...)
}

func seededPlans() *memory.PlanStore {
	return memory.NewPlanStore(plan.Defaults())
}

