package scheduler

import (
	"time"

	"github.com/acme/call-orchestrator/internal/domain"
)

// Window is one occurrence of a campaign's daily calling window. Open is
// inclusive and Close exclusive.
type Window struct {
	Open  time.Time
	Close time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Open) && t.Before(w.Close)
}

// EffectiveLocation resolves the campaign timezone: the campaign override
// when enabled, then the tenant default, then UTC. Unknown zone names fall
// through to the next candidate.
func EffectiveLocation(campaign *domain.Campaign, tenant *domain.Tenant) *time.Location {
	if campaign != nil && campaign.UseCustomTimezone && campaign.Timezone != "" {
		if loc, err := time.LoadLocation(campaign.Timezone); err == nil {
			return loc
		}
	}
	if tenant != nil && tenant.Timezone != "" {
		if loc, err := time.LoadLocation(tenant.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// windowOn builds the occurrence that opens on the local calendar day of day.
// Bounds are recomputed per day so DST shifts move the UTC instants.
func windowOn(campaign *domain.Campaign, loc *time.Location, day time.Time) Window {
	local := day.In(loc)
	y, m, d := local.Date()
	open := time.Date(y, m, d, campaign.WindowStart.Hour(), campaign.WindowStart.Minute(), 0, 0, loc)
	closeDay := d
	if campaign.Overnight() {
		closeDay++
	}
	closeAt := time.Date(y, m, closeDay, campaign.WindowEnd.Hour(), campaign.WindowEnd.Minute(), 0, 0, loc)
	return Window{Open: open.UTC(), Close: closeAt.UTC()}
}

// WindowAt returns the window occurrence containing now, if any. Overnight
// windows opened yesterday are considered too.
func WindowAt(campaign *domain.Campaign, loc *time.Location, now time.Time) (Window, bool) {
	local := now.In(loc)
	for _, offset := range []int{0, -1} {
		w := windowOn(campaign, loc, local.AddDate(0, 0, offset))
		if w.Contains(now) {
			return w, true
		}
	}
	return Window{}, false
}

// IsOpen reports whether now is inside the campaign's window.
func IsOpen(campaign *domain.Campaign, loc *time.Location, now time.Time) bool {
	_, ok := WindowAt(campaign, loc, now)
	return ok
}

// NextOpen returns the first window opening strictly after now. A window
// with equal start and end never opens; ok is false for it.
func NextOpen(campaign *domain.Campaign, loc *time.Location, now time.Time) (time.Time, bool) {
	if campaign.WindowStart == campaign.WindowEnd {
		return time.Time{}, false
	}
	local := now.In(loc)
	for offset := 0; offset <= 2; offset++ {
		w := windowOn(campaign, loc, local.AddDate(0, 0, offset))
		if w.Open.After(now) {
			return w.Open, true
		}
	}
	return time.Time{}, false
}

// NextWake is the earliest instant at which any campaign's eligibility can
// change: an open window closing, a closed window opening, or the rescan
// ceiling, whichever comes first.
func NextWake(now time.Time, ceiling time.Duration, campaigns []*domain.Campaign, locations []*time.Location) time.Time {
	next := now.Add(ceiling)
	for i, c := range campaigns {
		loc := locations[i]
		if w, ok := WindowAt(c, loc, now); ok {
			if w.Close.Before(next) {
				next = w.Close
			}
			continue
		}
		if open, ok := NextOpen(c, loc, now); ok && open.Before(next) {
			next = open
		}
	}
	return next
}
