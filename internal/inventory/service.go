// Package inventory owns the campaign/drop model: fetching it from the
// API, reconciling server reports into it, and claiming finished drops.
package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arvell/drops-agent/internal/bus"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/gql"
	"github.com/arvell/drops-agent/internal/logger"
	"github.com/arvell/drops-agent/internal/model"
	"github.com/arvell/drops-agent/internal/settings"
)

// Service maintains the campaign and drop model. All mutation happens
// under its lock; callers get copies or short-lived references guarded by
// the typed mutators on the model.
type Service struct {
	mu sync.RWMutex

	gqlc     gql.Operations
	log      *logger.Logger
	events   *bus.Bus
	settings *settings.Store
	clock    clockwork.Clock

	campaigns map[string]*model.Campaign
	order     []string // campaign insertion order, stable across fetches

	// claimedBenefits maps benefit ID to when it was last awarded, used
	// to infer claim state the inventory response doesn't carry.
	claimedBenefits map[string]time.Time

	detailed map[string]bool // campaign IDs whose details were fetched

	claiming  map[string]bool // drop IDs with a claim in flight
	lastFetch time.Time

	userLogin func() string
}

// NewService creates the inventory service. userLogin defers resolution of
// the authenticated login until after login completes.
func NewService(gqlc gql.Operations, st *settings.Store, events *bus.Bus, clock clockwork.Clock, userLogin func() string, log *logger.Logger) *Service {
	return &Service{
		gqlc:            gqlc,
		log:             log,
		events:          events,
		settings:        st,
		clock:           clock,
		campaigns:       make(map[string]*model.Campaign),
		claimedBenefits: make(map[string]time.Time),
		detailed:        make(map[string]bool),
		claiming:        make(map[string]bool),
		userLogin:       userLogin,
	}
}

// Fetch runs a full inventory refresh: in-progress campaigns plus the
// dashboard, details for newly observed campaigns, reconciliation, and
// claiming of every finished drop. Campaigns are never deleted; expired
// ones stay for history.
func (s *Service) Fetch(ctx context.Context) error {
	inv, err := s.gqlc.GetInventory(ctx)
	if err != nil {
		return err
	}

	dashboard, err := s.gqlc.GetDropsDashboard(ctx, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, b := range inv.ClaimedBenefits {
		s.claimedBenefits[b.ID] = b.LastAwardedAt
	}

	inProgress := make(map[string]bool, len(inv.CampaignsInProgress))
	for i := range inv.CampaignsInProgress {
		inProgress[inv.CampaignsInProgress[i].ID] = true
		s.reconcileLocked(&inv.CampaignsInProgress[i], true)
	}

	var newIDs []string
	for i := range dashboard {
		c := &dashboard[i]
		if c.Status == "EXPIRED" {
			continue
		}
		if !s.detailed[c.ID] && !inProgress[c.ID] {
			newIDs = append(newIDs, c.ID)
		}
	}
	s.mu.Unlock()

	if len(newIDs) > 0 {
		details, err := s.gqlc.GetCampaignDetails(ctx, newIDs, s.userLogin())
		if err != nil {
			s.log.Warn("Failed to fetch campaign details", "error", err)
		} else {
			s.mu.Lock()
			for i := range details {
				s.reconcileLocked(&details[i], false)
			}
			s.mu.Unlock()
		}
	}

	s.claimFinished(ctx)

	s.mu.Lock()
	s.lastFetch = s.clock.Now()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	// The batch replaces the consumer's inventory wholesale.
	s.events.Publish(bus.EvInventoryClear, nil)
	s.events.Publish(bus.EvInventoryBatchUpdate, snapshot)
	s.publishWantedItems()

	s.log.Info("Inventory refreshed",
		"campaigns", len(snapshot), "new_details", len(newIDs))
	return nil
}

// reconcileLocked merges one campaign payload into the model, preserving
// local claim state (monotonic) and applying claimed-benefit inference.
func (s *Service) reconcileLocked(data *gql.CampaignData, inInventory bool) {
	c, ok := s.campaigns[data.ID]
	if !ok {
		c = &model.Campaign{ID: data.ID}
		s.campaigns[data.ID] = c
		s.order = append(s.order, data.ID)
		defer s.events.Publish(bus.EvCampaignAdd, c)
	}

	c.Name = data.Name
	c.StartsAt = data.StartAt
	c.EndsAt = data.EndAt
	c.LinkURL = data.DetailsURL
	c.Linked = data.Self.IsAccountConnected
	c.Valid = data.Status != "EXPIRED"
	if inInventory {
		c.InInventory = true
	}
	if data.Game != nil {
		name := data.Game.DisplayName
		if name == "" {
			name = data.Game.Name
		}
		c.Game = &model.Game{
			ID:        data.Game.ID,
			Name:      name,
			Slug:      data.Game.Slug,
			BoxArtURL: data.Game.BoxArtURL,
		}
	}
	if data.Allow != nil && data.Allow.IsEnabled {
		refs := make([]model.ChannelRef, 0, len(data.Allow.Channels))
		for _, ch := range data.Allow.Channels {
			refs = append(refs, model.ChannelRef{ID: ch.ID, Login: ch.Name})
		}
		c.AllowedChannels = refs
	}
	if len(data.TimeBasedDrops) > 0 {
		s.reconcileDropsLocked(c, data)
	}
	s.validatePreconditionsLocked(c)
	s.detailed[data.ID] = s.detailed[data.ID] || len(data.TimeBasedDrops) > 0
}

func (s *Service) reconcileDropsLocked(c *model.Campaign, data *gql.CampaignData) {
	for i := range data.TimeBasedDrops {
		dd := &data.TimeBasedDrops[i]
		d := c.Drop(dd.ID)
		if d == nil {
			d = &model.Drop{ID: dd.ID, CampaignID: c.ID}
			c.Drops = append(c.Drops, d)
		}
		d.Name = dd.Name
		d.StartsAt = dd.StartAt
		d.EndsAt = dd.EndAt
		d.RequiredMinutes = dd.RequiredMinutesWatched
		if len(dd.PreconditionDrops) > 0 {
			d.PreconditionID = dd.PreconditionDrops[0].ID
		}

		benefits := make([]model.Benefit, 0, len(dd.BenefitEdges))
		for _, edge := range dd.BenefitEdges {
			benefits = append(benefits, model.Benefit{
				ID:       edge.Benefit.ID,
				Name:     edge.Benefit.Name,
				Type:     model.ParseBenefitType(edge.Benefit.DistributionType),
				ImageURL: edge.Benefit.ImageAssetURL,
			})
		}
		d.Benefits = benefits

		if dd.Self.IsClaimed || s.inferClaimedLocked(d) {
			d.MarkClaimed()
		} else {
			d.ClaimID = dd.Self.DropInstanceID
			if dd.Self.CurrentMinutesWatched > d.CurrentMinutes {
				d.CurrentMinutes = dd.Self.CurrentMinutesWatched
			}
		}
	}

	sort.SliceStable(c.Drops, func(i, j int) bool {
		return c.Drops[i].RequiredMinutes < c.Drops[j].RequiredMinutes
	})
}

// inferClaimedLocked detects drops the API reports unclaimed but whose
// benefits were all awarded inside the drop window. The inventory response
// omits claim state for campaigns not in progress.
func (s *Service) inferClaimedLocked(d *model.Drop) bool {
	if len(d.Benefits) == 0 {
		return false
	}
	for _, b := range d.Benefits {
		awardedAt, ok := s.claimedBenefits[b.ID]
		if !ok {
			return false
		}
		if awardedAt.Before(d.StartsAt) || awardedAt.After(d.EndsAt) {
			return false
		}
	}
	return true
}

// validatePreconditionsLocked marks drops with broken precondition chains
// (cycles, excessive depth, dangling references) as ineligible.
func (s *Service) validatePreconditionsLocked(c *model.Campaign) {
	for _, d := range c.Drops {
		d.Ineligible = !validChain(c, d)
	}
}

func validChain(c *model.Campaign, d *model.Drop) bool {
	seen := map[string]bool{}
	depth := 0
	for d.PreconditionID != "" {
		if seen[d.ID] {
			return false
		}
		seen[d.ID] = true
		depth++
		if depth > constants.PreconditionDepthLimit {
			return false
		}
		next := c.Drop(d.PreconditionID)
		if next == nil {
			return false
		}
		d = next
	}
	return true
}

// claimFinished claims every drop with full progress and a claim handle.
func (s *Service) claimFinished(ctx context.Context) {
	s.mu.RLock()
	var pending []*model.Drop
	for _, c := range s.campaigns {
		for _, d := range c.Drops {
			if d.CanClaim() {
				pending = append(pending, d)
			}
		}
	}
	s.mu.RUnlock()

	for _, d := range pending {
		if err := s.ClaimDrop(ctx, d); err != nil {
			s.log.Warn("Failed to claim drop", "drop", d.Name, "error", err)
		}
	}
}

// ClaimDrop claims a single drop. Claims are idempotent: a drop already
// claimed or with a claim in flight is skipped.
func (s *Service) ClaimDrop(ctx context.Context, d *model.Drop) error {
	s.mu.Lock()
	if d.IsClaimed || d.ClaimID == "" || s.claiming[d.ID] {
		s.mu.Unlock()
		return nil
	}
	s.claiming[d.ID] = true
	claimID := d.ClaimID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.claiming, d.ID)
		s.mu.Unlock()
	}()

	claimed, err := s.gqlc.ClaimDropRewards(ctx, claimID)
	if err != nil {
		return err
	}
	if !claimed {
		s.log.Warn("Drop claim was not accepted", "drop", d.Name)
		return nil
	}

	s.mu.Lock()
	d.MarkClaimed()
	campaign := s.campaigns[d.CampaignID]
	s.mu.Unlock()

	s.log.Event(ctx, model.EventDropClaim, "Claimed drop", "drop", d.Name)
	s.events.Publish(bus.EvDropUpdate, map[string]any{
		"campaign_id": d.CampaignID,
		"drop":        d,
	})
	if campaign != nil && campaign.Finished() {
		s.log.Info("Campaign complete", "campaign", campaign.Name)
	}
	return nil
}

// ApplyProgress routes an authoritative progress report into the drop it
// names. It returns the drop when the report advanced it.
func (s *Service) ApplyProgress(dropID string, minutes int, at time.Time) *model.Drop {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.campaigns {
		if d := c.Drop(dropID); d != nil {
			if d.ReportMinutes(minutes, at) {
				return d
			}
			return nil
		}
	}
	return nil
}

// Campaign returns the campaign with the given ID, or nil.
func (s *Service) Campaign(id string) *model.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.campaigns[id]
}

// DropByID finds a drop across all campaigns.
func (s *Service) DropByID(dropID string) (*model.Campaign, *model.Drop) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.campaigns {
		if d := c.Drop(dropID); d != nil {
			return c, d
		}
	}
	return nil, nil
}

// Campaigns returns campaigns in insertion order.
func (s *Service) Campaigns() []*model.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() []*model.Campaign {
	out := make([]*model.Campaign, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.campaigns[id])
	}
	return out
}

// WantedGames computes the ordered wanted-games set: the user's
// games_to_watch list when non-empty, otherwise every game with an active,
// earnable campaign.
func (s *Service) WantedGames() []*model.Game {
	cfg := s.settings.Get()
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(cfg.GamesToWatch) > 0 {
		var out []*model.Game
		for _, name := range cfg.GamesToWatch {
			if g := s.gameByNameLocked(name); g != nil {
				out = append(out, g)
			} else {
				// no campaign knows this game yet; keep a slug-only stub
				// so the directory query can still run
				out = append(out, &model.Game{Name: name})
			}
		}
		return out
	}

	var out []*model.Game
	seen := map[string]bool{}
	for _, id := range s.order {
		c := s.campaigns[id]
		if c.Game == nil || seen[c.Game.ID] {
			continue
		}
		if c.CanEarn(nil, now) && s.hasWantedDropLocked(c, cfg.MiningBenefits) {
			seen[c.Game.ID] = true
			out = append(out, c.Game)
		}
	}
	return out
}

func (s *Service) gameByNameLocked(name string) *model.Game {
	for _, c := range s.campaigns {
		if c.Game != nil && c.Game.Name == name {
			return c.Game
		}
	}
	return nil
}

// hasWantedDropLocked applies the benefit-type gate: a campaign is wanted
// only if some earnable drop grants an allowed benefit type.
func (s *Service) hasWantedDropLocked(c *model.Campaign, allowed map[model.BenefitType]bool) bool {
	now := s.clock.Now()
	for _, d := range c.Drops {
		if !d.Earnable(now) {
			continue
		}
		if len(d.Benefits) == 0 || len(d.WantedBenefits(allowed)) > 0 {
			return true
		}
	}
	return false
}

// CampaignsForGame returns active campaigns for a game, in insertion order.
func (s *Service) CampaignsForGame(gameID string, now time.Time) []*model.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Campaign
	for _, id := range s.order {
		c := s.campaigns[id]
		if c.Game != nil && c.Game.ID == gameID && c.Status(now) == model.CampaignActive {
			out = append(out, c)
		}
	}
	return out
}

// LastFetch returns when the last successful refresh finished.
func (s *Service) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch
}

// NextTimeTrigger returns the earliest future campaign/drop boundary, used
// by the maintenance ticker, or zero when none exist.
func (s *Service) NextTimeTrigger(now time.Time) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next time.Time
	for _, c := range s.campaigns {
		for _, t := range c.TimeTriggers() {
			if t.After(now) && (next.IsZero() || t.Before(next)) {
				next = t
			}
		}
	}
	return next
}

// WantedItem is a node in the wanted-items tree pushed to the surface:
// game → campaigns → unclaimed benefits.
type WantedItem struct {
	Game      string       `json:"game"`
	Campaigns []WantedNode `json:"campaigns"`
}

// WantedNode groups a campaign's outstanding benefits.
type WantedNode struct {
	Campaign string   `json:"campaign"`
	Benefits []string `json:"benefits"`
}

func (s *Service) publishWantedItems() {
	cfg := s.settings.Get()
	now := s.clock.Now()

	s.mu.RLock()
	byGame := map[string]*WantedItem{}
	var gameOrder []string
	for _, id := range s.order {
		c := s.campaigns[id]
		if c.Game == nil || c.Status(now) != model.CampaignActive {
			continue
		}
		var names []string
		for _, d := range c.Drops {
			if d.IsClaimed || d.Ineligible {
				continue
			}
			for _, b := range d.WantedBenefits(cfg.MiningBenefits) {
				names = append(names, b.Name)
			}
		}
		if len(names) == 0 {
			continue
		}
		item, ok := byGame[c.Game.Name]
		if !ok {
			item = &WantedItem{Game: c.Game.Name}
			byGame[c.Game.Name] = item
			gameOrder = append(gameOrder, c.Game.Name)
		}
		item.Campaigns = append(item.Campaigns, WantedNode{Campaign: c.Name, Benefits: names})
	}
	s.mu.RUnlock()

	tree := make([]WantedItem, 0, len(gameOrder))
	for _, name := range gameOrder {
		tree = append(tree, *byGame[name])
	}
	s.events.Publish(bus.EvWantedItemsUpdate, tree)
}
