package scheduler

import (
	"testing"
	"time"

	"github.com/acme/call-orchestrator/internal/domain"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func window(t *testing.T, start, end string) *domain.Campaign {
	t.Helper()
	s, err := domain.ParseClockTime(start)
	if err != nil {
		t.Fatalf("parse start: %v", err)
	}
	e, err := domain.ParseClockTime(end)
	if err != nil {
		t.Fatalf("parse end: %v", err)
	}
	return &domain.Campaign{WindowStart: s, WindowEnd: e, Status: domain.CampaignStatusActive}
}

func TestIsOpenNewYorkBusinessHours(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	campaign := window(t, "09:00", "17:00")

	cases := []struct {
		local string
		open  bool
	}{
		{"08:59", false},
		{"09:00", true},
		{"12:30", true},
		{"16:59", true},
		{"17:00", false},
		{"17:01", false},
	}

	// Summer and winter dates cover both UTC offsets of the zone.
	for _, day := range []string{"2024-07-15", "2024-01-15"} {
		for _, tc := range cases {
			local, err := time.ParseInLocation("2006-01-02 15:04", day+" "+tc.local, ny)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			now := local.UTC()
			if got := IsOpen(campaign, ny, now); got != tc.open {
				t.Fatalf("%s %s local (%s UTC): open = %v, want %v", day, tc.local, now.Format(time.Kitchen), got, tc.open)
			}
		}
	}
}

func TestOvernightWindow(t *testing.T) {
	campaign := window(t, "22:00", "02:00")
	if !campaign.Overnight() {
		t.Fatalf("expected overnight window")
	}

	open := []time.Time{
		time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 4, 23, 59, 0, 0, time.UTC),
		time.Date(2024, 3, 5, 1, 30, 0, 0, time.UTC),
	}
	for _, now := range open {
		if !IsOpen(campaign, time.UTC, now) {
			t.Fatalf("expected %v inside overnight window", now)
		}
	}

	closed := []time.Time{
		time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 5, 21, 59, 0, 0, time.UTC),
	}
	for _, now := range closed {
		if IsOpen(campaign, time.UTC, now) {
			t.Fatalf("expected %v outside overnight window", now)
		}
	}

	w, ok := WindowAt(campaign, time.UTC, time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatalf("expected window")
	}
	if want := time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC); !w.Open.Equal(want) {
		t.Fatalf("open = %v, want %v", w.Open, want)
	}
	if want := time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC); !w.Close.Equal(want) {
		t.Fatalf("close = %v, want %v", w.Close, want)
	}
}

func TestWindowFollowsDaylightSaving(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	campaign := window(t, "09:00", "17:00")

	// 2024-03-10 is the spring-forward day in New York.
	before, ok := WindowAt(campaign, ny, time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatalf("expected open window on 2024-03-09")
	}
	after, ok := WindowAt(campaign, ny, time.Date(2024, 3, 11, 15, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatalf("expected open window on 2024-03-11")
	}
	if before.Open.Hour() != 14 || after.Open.Hour() != 13 {
		t.Fatalf("open hours in UTC = %d and %d, want 14 and 13", before.Open.Hour(), after.Open.Hour())
	}
}

func TestEffectiveLocation(t *testing.T) {
	tenant := &domain.Tenant{Timezone: "Europe/Berlin"}

	custom := &domain.Campaign{Timezone: "Asia/Tokyo", UseCustomTimezone: true}
	if got := EffectiveLocation(custom, tenant).String(); got != "Asia/Tokyo" {
		t.Fatalf("custom override = %s", got)
	}

	disabled := &domain.Campaign{Timezone: "Asia/Tokyo"}
	if got := EffectiveLocation(disabled, tenant).String(); got != "Europe/Berlin" {
		t.Fatalf("tenant default = %s", got)
	}

	if got := EffectiveLocation(disabled, &domain.Tenant{}).String(); got != "UTC" {
		t.Fatalf("fallback = %s", got)
	}

	bogus := &domain.Campaign{Timezone: "Mars/Olympus", UseCustomTimezone: true}
	if got := EffectiveLocation(bogus, tenant).String(); got != "Europe/Berlin" {
		t.Fatalf("unknown override should fall through, got %s", got)
	}
}

func TestNextWake(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	opensSoon := window(t, "08:45", "10:00")
	closesSoon := window(t, "06:00", "08:40")
	farAway := window(t, "20:00", "21:00")

	got := NextWake(now, time.Minute, []*domain.Campaign{farAway}, []*time.Location{time.UTC})
	if want := now.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("ceiling: got %v want %v", got, want)
	}

	got = NextWake(now, time.Hour, []*domain.Campaign{opensSoon, closesSoon, farAway},
		[]*time.Location{time.UTC, time.UTC, time.UTC})
	if want := time.Date(2024, 5, 1, 8, 40, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("close first: got %v want %v", got, want)
	}

	got = NextWake(now, time.Hour, []*domain.Campaign{opensSoon, farAway}, []*time.Location{time.UTC, time.UTC})
	if want := time.Date(2024, 5, 1, 8, 45, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("open first: got %v want %v", got, want)
	}
}

func TestEmptyWindowNeverOpens(t *testing.T) {
	campaign := window(t, "09:00", "09:00")
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if IsOpen(campaign, time.UTC, now) {
		t.Fatalf("zero-length window should never be open")
	}
	if _, ok := NextOpen(campaign, time.UTC, now); ok {
		t.Fatalf("zero-length window has no next open")
	}
}
