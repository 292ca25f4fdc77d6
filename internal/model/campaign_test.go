package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeCampaign(now time.Time) *Campaign {
	return &Campaign{
		ID:       "camp-1",
		Name:     "Test Campaign",
		Game:     &Game{ID: "g1", Name: "Test Game"},
		Linked:   true,
		Valid:    true,
		StartsAt: now.Add(-time.Hour),
		EndsAt:   now.Add(time.Hour),
	}
}

func campaignDrop(id string, required, current int, now time.Time) *Drop {
	return &Drop{
		ID:              id,
		CampaignID:      "camp-1",
		Name:            id,
		StartsAt:        now.Add(-time.Hour),
		EndsAt:          now.Add(time.Hour),
		RequiredMinutes: required,
		CurrentMinutes:  current,
	}
}

func TestCampaignStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		mod  func(*Campaign)
		want CampaignStatus
	}{
		{"active", func(*Campaign) {}, CampaignActive},
		{"upcoming", func(c *Campaign) { c.StartsAt = now.Add(time.Minute) }, CampaignUpcoming},
		{"ended", func(c *Campaign) { c.EndsAt = now.Add(-time.Minute) }, CampaignExpired},
		{"invalid", func(c *Campaign) { c.Valid = false }, CampaignExpired},
		{"end boundary", func(c *Campaign) { c.EndsAt = now }, CampaignExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := activeCampaign(now)
			tt.mod(c)
			assert.Equal(t, tt.want, c.Status(now))
		})
	}
}

func TestCampaignEligible(t *testing.T) {
	now := time.Now()

	c := activeCampaign(now)
	assert.True(t, c.Eligible())

	c.Linked = false
	assert.False(t, c.Eligible())

	// Badge-only rewards don't need a linked account.
	d := campaignDrop("d1", 60, 0, now)
	d.Benefits = []Benefit{{ID: "b1", Type: BenefitBadge}}
	c.Drops = []*Drop{d}
	assert.True(t, c.Eligible())
}

func TestCampaignPreconditionsMet(t *testing.T) {
	now := time.Now()
	c := activeCampaign(now)

	d1 := campaignDrop("d1", 30, 0, now)
	d2 := campaignDrop("d2", 60, 0, now)
	d2.PreconditionID = "d1"
	c.Drops = []*Drop{d1, d2}

	assert.True(t, c.PreconditionsMet(d1))
	assert.False(t, c.PreconditionsMet(d2))

	d1.IsClaimed = true
	assert.True(t, c.PreconditionsMet(d2))
}

func TestCampaignPreconditionCycleDetected(t *testing.T) {
	now := time.Now()
	c := activeCampaign(now)

	d1 := campaignDrop("d1", 30, 0, now)
	d2 := campaignDrop("d2", 60, 0, now)
	d1.PreconditionID = "d2"
	d2.PreconditionID = "d1"
	d1.IsClaimed = true
	d2.IsClaimed = true
	c.Drops = []*Drop{d1, d2}

	// A cycle can never be satisfied, claimed links or not.
	assert.False(t, c.PreconditionsMet(d1))
	assert.False(t, c.PreconditionsMet(d2))

	// Missing link counts as unmet.
	d3 := campaignDrop("d3", 10, 0, now)
	d3.PreconditionID = "ghost"
	c.Drops = append(c.Drops, d3)
	assert.False(t, c.PreconditionsMet(d3))
}

func TestCampaignFirstEarnableDrop(t *testing.T) {
	now := time.Now()
	c := activeCampaign(now)

	d1 := campaignDrop("d1", 60, 10, now)
	d2 := campaignDrop("d2", 60, 40, now)
	d3 := campaignDrop("d3", 60, 59, now)
	d3.IsClaimed = true
	c.Drops = []*Drop{d1, d2, d3}

	got := c.FirstEarnableDrop(now)
	require.NotNil(t, got)
	assert.Equal(t, "d2", got.ID, "least remaining minutes wins")
}

func TestCampaignCanEarn(t *testing.T) {
	now := time.Now()
	c := activeCampaign(now)
	c.Drops = []*Drop{campaignDrop("d1", 60, 0, now)}

	ch := NewChannel("ch1", "streamer", "Streamer", false)
	ch.SetOnline(&Stream{BroadcastID: "b1"}, &Game{ID: "g1", Name: "Test Game"})

	assert.True(t, c.CanEarn(ch, now))
	assert.True(t, c.CanEarn(nil, now))

	// Wrong game.
	ch.SetOnline(&Stream{BroadcastID: "b1"}, &Game{ID: "g2", Name: "Other"})
	assert.False(t, c.CanEarn(ch, now))

	// ACL excludes the channel.
	ch.SetOnline(&Stream{BroadcastID: "b1"}, &Game{ID: "g1", Name: "Test Game"})
	c.AllowedChannels = []ChannelRef{{ID: "other", Login: "other"}}
	assert.False(t, c.CanEarn(ch, now))

	c.AllowedChannels = []ChannelRef{{ID: "ch1", Login: "streamer"}}
	assert.True(t, c.CanEarn(ch, now))
}

func TestCampaignCanEarnWithin(t *testing.T) {
	now := time.Now()
	c := activeCampaign(now)
	c.Drops = []*Drop{campaignDrop("d1", 60, 0, now)}

	assert.True(t, c.CanEarnWithin(now, now.Add(time.Hour)))

	// A campaign starting after the stamp cannot contribute yet.
	c.StartsAt = now.Add(2 * time.Hour)
	c.EndsAt = now.Add(3 * time.Hour)
	for _, d := range c.Drops {
		d.StartsAt = c.StartsAt
		d.EndsAt = c.EndsAt
	}
	assert.False(t, c.CanEarnWithin(now, now.Add(time.Hour)))
	assert.True(t, c.CanEarnWithin(now, now.Add(2*time.Hour+time.Minute)))
}

func TestCampaignRemainingMinutesFollowsChain(t *testing.T) {
	now := time.Now()
	c := activeCampaign(now)

	d1 := campaignDrop("d1", 30, 10, now)
	d2 := campaignDrop("d2", 60, 0, now)
	d2.PreconditionID = "d1"
	c.Drops = []*Drop{d1, d2}

	// d2 remaining (60) plus its unfinished precondition (20).
	assert.Equal(t, 80, c.RemainingMinutes())
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Rust", "rust"},
		{"Tom Clancy's Rainbow Six Siege", "tom-clancys-rainbow-six-siege"},
		{"Kingdom Come: Deliverance II", "kingdom-come-deliverance-ii"},
		{"  Trailing  ", "trailing"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}
