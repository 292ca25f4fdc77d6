package model

import (
	"fmt"
	"time"
)

// CampaignStatus is derived from the campaign time window, never stored.
type CampaignStatus string

const (
	CampaignUpcoming CampaignStatus = "UPCOMING"
	CampaignActive   CampaignStatus = "ACTIVE"
	CampaignExpired  CampaignStatus = "EXPIRED"
)

// ChannelRef identifies an allow-listed channel by ID and login.
type ChannelRef struct {
	ID    string `json:"id"`
	Login string `json:"login"`
}

// Campaign groups timed drops for one game. AllowedChannels, when
// non-empty, makes the campaign ACL-based: only those channels earn
// progress for it.
type Campaign struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Game            *Game        `json:"game"`
	LinkURL         string       `json:"link_url,omitempty"`
	Linked          bool         `json:"linked"`
	StartsAt        time.Time    `json:"starts_at"`
	EndsAt          time.Time    `json:"ends_at"`
	Valid           bool         `json:"valid"`
	AllowedChannels []ChannelRef `json:"allowed_channels,omitempty"`
	Drops           []*Drop      `json:"drops"`
	InInventory     bool         `json:"in_inventory"`
}

// Status derives the campaign status from its time window.
func (c *Campaign) Status(now time.Time) CampaignStatus {
	switch {
	case !c.Valid || !now.Before(c.EndsAt):
		return CampaignExpired
	case now.Before(c.StartsAt):
		return CampaignUpcoming
	default:
		return CampaignActive
	}
}

// ACLBased reports whether the campaign restricts earning to an allow list.
func (c *Campaign) ACLBased() bool {
	return len(c.AllowedChannels) > 0
}

// AllowsChannel reports whether a channel may earn this campaign. A
// campaign without an allow list allows every channel.
func (c *Campaign) AllowsChannel(channelID string) bool {
	if !c.ACLBased() {
		return true
	}
	for _, ref := range c.AllowedChannels {
		if ref.ID == channelID {
			return true
		}
	}
	return false
}

// Eligible reports whether the account can receive this campaign's rewards:
// the account is linked, or the campaign only grants badges/emotes.
func (c *Campaign) Eligible() bool {
	if c.Linked {
		return true
	}
	for _, d := range c.Drops {
		for _, b := range d.Benefits {
			if b.IsBadgeOrEmote() {
				return true
			}
		}
	}
	return false
}

// Drop returns the drop with the given ID, or nil.
func (c *Campaign) Drop(id string) *Drop {
	for _, d := range c.Drops {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// ClaimedDrops counts claimed drops.
func (c *Campaign) ClaimedDrops() int {
	n := 0
	for _, d := range c.Drops {
		if d.IsClaimed {
			n++
		}
	}
	return n
}

// Finished reports whether every drop is claimed or unearnable.
func (c *Campaign) Finished() bool {
	for _, d := range c.Drops {
		if !d.IsClaimed && d.RequiredMinutes > 0 {
			return false
		}
	}
	return true
}

// RemainingMinutes is the largest remaining requirement across drops,
// following precondition chains.
func (c *Campaign) RemainingMinutes() int {
	max := 0
	for _, d := range c.Drops {
		if m := c.chainRemaining(d, 0); m > max {
			max = m
		}
	}
	return max
}

func (c *Campaign) chainRemaining(d *Drop, depth int) int {
	if d == nil || depth > len(c.Drops) {
		return 0
	}
	total := d.RemainingMinutes()
	if d.PreconditionID != "" {
		total += c.chainRemaining(c.Drop(d.PreconditionID), depth+1)
	}
	return total
}

// PreconditionsMet reports whether every transitive precondition of the
// drop is claimed. Chains with missing links count as unmet.
func (c *Campaign) PreconditionsMet(d *Drop) bool {
	depth := 0
	for d.PreconditionID != "" {
		pre := c.Drop(d.PreconditionID)
		if pre == nil || !pre.IsClaimed {
			return false
		}
		d = pre
		depth++
		if depth > len(c.Drops) {
			return false
		}
	}
	return true
}

// CanEarn reports whether any drop in the campaign can accrue minutes on
// the given channel right now. A nil channel skips the channel checks.
func (c *Campaign) CanEarn(ch *Channel, now time.Time) bool {
	if !c.Eligible() || c.Status(now) != CampaignActive {
		return false
	}
	if ch != nil {
		if !c.AllowsChannel(ch.ID) {
			return false
		}
		game := ch.CurrentGame()
		if game == nil || !game.Equal(c.Game) {
			return false
		}
	}
	for _, d := range c.Drops {
		if d.Earnable(now) && c.PreconditionsMet(d) {
			return true
		}
	}
	return false
}

// CanEarnWithin reports whether the campaign could yield progress before
// the given future timestamp, ignoring channel state.
func (c *Campaign) CanEarnWithin(now, stamp time.Time) bool {
	if !c.Eligible() || !c.Valid || !c.EndsAt.After(now) || !c.StartsAt.Before(stamp) {
		return false
	}
	for _, d := range c.Drops {
		if d.IsClaimed || d.Ineligible || d.RequiredMinutes <= 0 {
			continue
		}
		if d.EndsAt.After(now) && d.StartsAt.Before(stamp) && c.PreconditionsMet(d) {
			return true
		}
	}
	return false
}

// FirstEarnableDrop returns the earnable drop with the least remaining
// minutes, the one the watch service should be crediting.
func (c *Campaign) FirstEarnableDrop(now time.Time) *Drop {
	var best *Drop
	for _, d := range c.Drops {
		if !d.Earnable(now) || !c.PreconditionsMet(d) {
			continue
		}
		if best == nil || d.RemainingMinutes() < best.RemainingMinutes() {
			best = d
		}
	}
	return best
}

// TimeTriggers collects the campaign and drop window boundaries that the
// maintenance ticker schedules cleanups around.
func (c *Campaign) TimeTriggers() []time.Time {
	out := []time.Time{c.StartsAt, c.EndsAt}
	for _, d := range c.Drops {
		out = append(out, d.StartsAt, d.EndsAt)
	}
	return out
}

func (c *Campaign) String() string {
	game := "?"
	if c.Game != nil {
		game = c.Game.Name
	}
	return fmt.Sprintf("%s (%s, %d/%d)", c.Name, game, c.ClaimedDrops(), len(c.Drops))
}
