package model

import (
	"fmt"
	"time"
)

// MaxExtraMinutes caps locally extrapolated progress per drop.
const MaxExtraMinutes = 15

// Drop is a timed reward within a campaign. Progress moves through the
// typed mutators only, so the invariants (bounded minutes, monotonic claim
// state, authoritative-report precedence) hold everywhere.
type Drop struct {
	ID             string    `json:"id"`
	CampaignID     string    `json:"campaign_id"`
	Name           string    `json:"name"`
	Benefits       []Benefit `json:"benefits"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	PreconditionID string    `json:"precondition_id,omitempty"`

	RequiredMinutes int    `json:"required_minutes"`
	CurrentMinutes  int    `json:"current_minutes"`
	ExtraMinutes    int    `json:"extra_minutes"`
	IsClaimed       bool   `json:"is_claimed"`
	ClaimID         string `json:"claim_id,omitempty"`

	// Ineligible marks drops excluded by precondition cycle/depth checks.
	Ineligible bool `json:"-"`

	lastReportAt time.Time
}

// TotalMinutes is the real plus extrapolated progress, capped at the
// requirement.
func (d *Drop) TotalMinutes() int {
	total := d.CurrentMinutes + d.ExtraMinutes
	if total > d.RequiredMinutes {
		return d.RequiredMinutes
	}
	return total
}

// RemainingMinutes returns how many minutes of watching remain.
func (d *Drop) RemainingMinutes() int {
	return d.RequiredMinutes - d.TotalMinutes()
}

// Progress returns completion in [0, 1].
func (d *Drop) Progress() float64 {
	if d.RequiredMinutes <= 0 {
		return 0
	}
	p := float64(d.TotalMinutes()) / float64(d.RequiredMinutes)
	if p > 1 {
		return 1
	}
	return p
}

// IsComplete reports whether the required minutes have been watched.
func (d *Drop) IsComplete() bool {
	return d.RequiredMinutes > 0 && d.TotalMinutes() >= d.RequiredMinutes
}

// CanClaim reports whether the drop is finished, has a claim handle, and
// hasn't been claimed yet.
func (d *Drop) CanClaim() bool {
	return !d.IsClaimed && d.ClaimID != "" && d.IsComplete()
}

// Active reports whether the drop window contains now.
func (d *Drop) Active(now time.Time) bool {
	return !now.Before(d.StartsAt) && now.Before(d.EndsAt)
}

// ReportMinutes applies an authoritative server progress report. Reports
// older than the last applied one are ignored; a newer report always wins,
// including the only legal regression (snapping extrapolated progress back
// to the server value).
func (d *Drop) ReportMinutes(minutes int, at time.Time) bool {
	if d.IsClaimed {
		return false
	}
	if !d.lastReportAt.IsZero() && !at.After(d.lastReportAt) {
		return false
	}
	if minutes < 0 {
		minutes = 0
	}
	if minutes > d.RequiredMinutes {
		minutes = d.RequiredMinutes
	}
	d.lastReportAt = at
	d.CurrentMinutes = minutes
	d.ExtraMinutes = 0
	return true
}

// LastReportAt returns when the latest authoritative report was applied.
func (d *Drop) LastReportAt() time.Time {
	return d.lastReportAt
}

// BumpMinutes adds one extrapolated minute of progress. It returns true
// when the extrapolation cap has been reached, signalling the caller to
// re-evaluate the channel instead of bumping further.
func (d *Drop) BumpMinutes() bool {
	if d.IsClaimed || d.IsComplete() {
		return false
	}
	if d.ExtraMinutes >= MaxExtraMinutes {
		return true
	}
	d.ExtraMinutes++
	return d.ExtraMinutes >= MaxExtraMinutes
}

// MarkClaimed transitions the drop to its terminal claimed state. The
// transition is monotonic; claiming an already claimed drop is a no-op.
func (d *Drop) MarkClaimed() bool {
	if d.IsClaimed {
		return false
	}
	d.IsClaimed = true
	d.CurrentMinutes = d.RequiredMinutes
	d.ExtraMinutes = 0
	return true
}

// Earnable reports whether the drop can still accrue minutes: inside its
// window, not claimed, not ineligible, with a positive requirement and
// extrapolation headroom.
func (d *Drop) Earnable(now time.Time) bool {
	return !d.IsClaimed &&
		!d.Ineligible &&
		d.RequiredMinutes > 0 &&
		d.Active(now) &&
		d.ExtraMinutes < MaxExtraMinutes
}

// WantedBenefits returns the benefits allowed by the given benefit-type
// gate. A drop with no benefits passes through unfiltered.
func (d *Drop) WantedBenefits(allowed map[BenefitType]bool) []Benefit {
	var out []Benefit
	for _, b := range d.Benefits {
		if allowed == nil || allowed[b.Type] {
			out = append(out, b)
		}
	}
	return out
}

func (d *Drop) String() string {
	return fmt.Sprintf("%s (%d/%d min)", d.Name, d.TotalMinutes(), d.RequiredMinutes)
}
