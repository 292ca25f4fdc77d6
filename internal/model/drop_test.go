package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseDrop() *Drop {
	now := time.Now()
	return &Drop{
		ID:              "drop-1",
		CampaignID:      "camp-1",
		Name:            "Test Drop",
		StartsAt:        now.Add(-time.Hour),
		EndsAt:          now.Add(time.Hour),
		RequiredMinutes: 60,
	}
}

func TestDropReportMinutes(t *testing.T) {
	d := baseDrop()
	t0 := time.Now()

	require.True(t, d.ReportMinutes(10, t0))
	assert.Equal(t, 10, d.CurrentMinutes)

	// Stale report is ignored.
	assert.False(t, d.ReportMinutes(20, t0.Add(-time.Minute)))
	assert.Equal(t, 10, d.CurrentMinutes)

	// Same timestamp is ignored too.
	assert.False(t, d.ReportMinutes(20, t0))

	// Newer report wins and clears extrapolation.
	d.ExtraMinutes = 5
	require.True(t, d.ReportMinutes(12, t0.Add(time.Minute)))
	assert.Equal(t, 12, d.CurrentMinutes)
	assert.Equal(t, 0, d.ExtraMinutes)

	// A newer report may snap progress backwards.
	require.True(t, d.ReportMinutes(8, t0.Add(2*time.Minute)))
	assert.Equal(t, 8, d.CurrentMinutes)

	// Reports are clamped to the requirement.
	require.True(t, d.ReportMinutes(500, t0.Add(3*time.Minute)))
	assert.Equal(t, 60, d.CurrentMinutes)
}

func TestDropBumpMinutesCap(t *testing.T) {
	d := baseDrop()
	d.RequiredMinutes = 100

	for i := 0; i < MaxExtraMinutes-1; i++ {
		assert.False(t, d.BumpMinutes(), "bump %d should not hit the cap", i)
	}
	assert.True(t, d.BumpMinutes())
	assert.Equal(t, MaxExtraMinutes, d.ExtraMinutes)

	// At the cap further bumps report capped without growing.
	assert.True(t, d.BumpMinutes())
	assert.Equal(t, MaxExtraMinutes, d.ExtraMinutes)
}

func TestDropTotalMinutesClamped(t *testing.T) {
	d := baseDrop()
	d.CurrentMinutes = 55
	d.ExtraMinutes = 10
	assert.Equal(t, 60, d.TotalMinutes())
	assert.True(t, d.IsComplete())
	assert.Equal(t, 0, d.RemainingMinutes())
	assert.Equal(t, 1.0, d.Progress())
}

func TestDropMarkClaimedMonotonic(t *testing.T) {
	d := baseDrop()
	d.CurrentMinutes = 30

	require.True(t, d.MarkClaimed())
	assert.True(t, d.IsClaimed)
	assert.Equal(t, 60, d.CurrentMinutes)

	assert.False(t, d.MarkClaimed())
	assert.False(t, d.ReportMinutes(10, time.Now().Add(time.Hour)))
	assert.False(t, d.BumpMinutes())
}

func TestDropEarnable(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		mod  func(*Drop)
		want bool
	}{
		{"active window", func(*Drop) {}, true},
		{"claimed", func(d *Drop) { d.IsClaimed = true }, false},
		{"ineligible", func(d *Drop) { d.Ineligible = true }, false},
		{"zero requirement", func(d *Drop) { d.RequiredMinutes = 0 }, false},
		{"not started", func(d *Drop) { d.StartsAt = now.Add(time.Hour) }, false},
		{"ended", func(d *Drop) { d.EndsAt = now.Add(-time.Minute) }, false},
		{"extrapolation exhausted", func(d *Drop) { d.ExtraMinutes = MaxExtraMinutes }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := baseDrop()
			tt.mod(d)
			assert.Equal(t, tt.want, d.Earnable(now))
		})
	}
}

func TestDropWantedBenefits(t *testing.T) {
	d := baseDrop()
	d.Benefits = []Benefit{
		{ID: "b1", Type: BenefitItem},
		{ID: "b2", Type: BenefitBadge},
	}

	got := d.WantedBenefits(map[BenefitType]bool{BenefitItem: true})
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)

	assert.Len(t, d.WantedBenefits(nil), 2)
}
