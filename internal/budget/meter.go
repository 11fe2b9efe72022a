package budget

import (
	"context"
	"fmt"
	"time"
)

// Meter performs preflight admission against daily caps. A reservation is
// taken atomically at preflight time (reserve-then-check on the atomic
// counter), so concurrent requests cannot jointly overshoot the cap by
// more than their own in-flight amounts.
type Meter struct {
	store SpendStore
	now   func() time.Time
}

func NewMeter(store SpendStore) *Meter {
	return &Meter{store: store, now: time.Now}
}

// Reservation holds a projected spend reserved against a daily cap. Call
// Commit with the realized cost on success, or Release when the request
// never dispatches.
type Reservation struct {
	meter     *Meter
	key       string
	projected float64
}

// Preflight reserves projected USD against the tenant's daily cap.
// Returns an ExceededError (never retryable) when the reservation would
// cross the cap; the reservation is rolled back before returning.
func (m *Meter) Preflight(ctx context.Context, tenantKey, taskType string, b Budget, projected float64) (*Reservation, error) {
	key := m.dayKey(tenantKey)

	total, err := m.store.Add(ctx, key, projected)
	if err != nil {
		return nil, fmt.Errorf("spend reservation failed: %w", err)
	}

	if b.DailyCapUSD > 0 && total > b.DailyCapUSD {
		// Roll back the reservation so a denied request leaves no trace.
		if _, rbErr := m.store.Add(ctx, key, -projected); rbErr != nil {
			return nil, fmt.Errorf("spend rollback failed: %w", rbErr)
		}
		return nil, &ExceededError{
			Scope:        "daily",
			TaskType:     taskType,
			CapUSD:       b.DailyCapUSD,
			ProjectedUSD: projected,
			SpentUSD:     total - projected,
		}
	}

	return &Reservation{meter: m, key: key, projected: projected}, nil
}

// Commit replaces the projected reservation with the realized cost.
func (r *Reservation) Commit(ctx context.Context, actualUSD float64) error {
	if r == nil {
		return nil
	}
	_, err := r.meter.store.Add(ctx, r.key, actualUSD-r.projected)
	return err
}

// Release returns the full reservation, for requests that never dispatch.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil {
		return nil
	}
	_, err := r.meter.store.Add(ctx, r.key, -r.projected)
	return err
}

// SpentToday returns the tenant's accumulated spend for the current day.
func (m *Meter) SpentToday(ctx context.Context, tenantKey string) (float64, error) {
	return m.store.Total(ctx, m.dayKey(tenantKey))
}

// dayKey stamps the counter key with the UTC day, which makes the daily
// reset implicit.
func (m *Meter) dayKey(tenantKey string) string {
	return fmt.Sprintf("spend:%s:%s", tenantKey, m.now().UTC().Format("20060102"))
}
