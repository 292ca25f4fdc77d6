package inventory

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvell/drops-agent/internal/bus"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/gql"
	"github.com/arvell/drops-agent/internal/logger"
	"github.com/arvell/drops-agent/internal/model"
	"github.com/arvell/drops-agent/internal/settings"
)

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// fakeGQL implements gql.Operations with overridable behavior per method.
type fakeGQL struct {
	inventory   *gql.InventoryData
	dashboard   []gql.CampaignData
	details     []gql.CampaignData
	detailCalls [][]string
	claimCalls  []string
	claimResult bool
	claimErr    error
	currentDrop *gql.CurrentDropData
}

func (f *fakeGQL) PostGQL(context.Context, constants.GQLOperation, map[string]any) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeGQL) PostGQLBatch(context.Context, []constants.GQLOperation, []map[string]any) ([]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeGQL) GetInventory(context.Context) (*gql.InventoryData, error) {
	if f.inventory == nil {
		return &gql.InventoryData{}, nil
	}
	return f.inventory, nil
}

func (f *fakeGQL) GetDropsDashboard(context.Context, string) ([]gql.CampaignData, error) {
	return f.dashboard, nil
}

func (f *fakeGQL) GetCampaignDetails(_ context.Context, ids []string, _ string) ([]gql.CampaignData, error) {
	f.detailCalls = append(f.detailCalls, ids)
	return f.details, nil
}

func (f *fakeGQL) ClaimDropRewards(_ context.Context, instanceID string) (bool, error) {
	f.claimCalls = append(f.claimCalls, instanceID)
	return f.claimResult, f.claimErr
}

func (f *fakeGQL) GetCurrentDrop(context.Context, string) (*gql.CurrentDropData, error) {
	return f.currentDrop, nil
}

func (f *fakeGQL) GetStreamInfo(context.Context, string) (*gql.StreamInfoResponse, error) {
	return nil, nil
}

func (f *fakeGQL) GetStreamInfoBatch(context.Context, []string) (map[string]*gql.StreamInfoResponse, error) {
	return nil, nil
}

func (f *fakeGQL) GetPlaybackAccessToken(context.Context, string) (*gql.PlaybackAccessToken, error) {
	return nil, nil
}

func (f *fakeGQL) GetTopStreamsByCategory(context.Context, string, int, bool) ([]gql.TopStream, error) {
	return nil, nil
}

func (f *fakeGQL) DeleteNotification(context.Context, string) error { return nil }

func newTestService(t *testing.T, fake *fakeGQL) (*Service, *settings.Store, *bus.Bus) {
	t.Helper()
	log, err := logger.Setup(logger.Config{Level: slog.LevelError})
	require.NoError(t, err)
	st, err := settings.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	events := bus.New(64)
	clock := clockwork.NewFakeClockAt(baseTime)
	svc := NewService(fake, st, events, clock, func() string { return "tester" }, log)
	return svc, st, events
}

func campaignData(id, gameID string, drops ...gql.TimeBasedDropData) gql.CampaignData {
	c := gql.CampaignData{
		ID:             id,
		Name:           "Campaign " + id,
		Status:         "ACTIVE",
		StartAt:        baseTime.Add(-time.Hour),
		EndAt:          baseTime.Add(24 * time.Hour),
		TimeBasedDrops: drops,
	}
	c.Self.IsAccountConnected = true
	if gameID != "" {
		c.Game = &gql.GameData{ID: gameID, DisplayName: "Game " + gameID, Slug: "game-" + gameID}
	}
	return c
}

func dropData(id string, required, current int, claimID string, preIDs ...string) gql.TimeBasedDropData {
	d := gql.TimeBasedDropData{
		ID:                     id,
		Name:                   "Drop " + id,
		StartAt:                baseTime.Add(-time.Hour),
		EndAt:                  baseTime.Add(24 * time.Hour),
		RequiredMinutesWatched: required,
	}
	d.Self.CurrentMinutesWatched = current
	d.Self.DropInstanceID = claimID
	for _, p := range preIDs {
		d.PreconditionDrops = append(d.PreconditionDrops, struct {
			ID string `json:"id"`
		}{ID: p})
	}
	return d
}

func withBenefit(d gql.TimeBasedDropData, benefitID string) gql.TimeBasedDropData {
	d.BenefitEdges = append(d.BenefitEdges, struct {
		Benefit gql.BenefitData `json:"benefit"`
	}{Benefit: gql.BenefitData{ID: benefitID, Name: benefitID, DistributionType: "DIRECT_ENTITLEMENT"}})
	return d
}

func TestFetchReconcilesCampaigns(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1",
					dropData("d-long", 60, 10, ""),
					dropData("d-short", 20, 5, "")),
			},
		},
		dashboard: []gql.CampaignData{
			campaignData("c1", "g1"),
			campaignData("c2", "g2"),
			{ID: "c3", Status: "EXPIRED"},
		},
		details: []gql.CampaignData{
			campaignData("c2", "g2", dropData("d2", 30, 0, "")),
		},
	}
	svc, _, events := newTestService(t, fake)
	ch, cancel := events.Subscribe()
	defer cancel()

	require.NoError(t, svc.Fetch(context.Background()))

	// Details were fetched only for the new dashboard campaign.
	require.Len(t, fake.detailCalls, 1)
	assert.Equal(t, []string{"c2"}, fake.detailCalls[0])

	campaigns := svc.Campaigns()
	require.Len(t, campaigns, 2)
	assert.Equal(t, "c1", campaigns[0].ID)
	assert.Equal(t, "c2", campaigns[1].ID)
	assert.True(t, campaigns[0].InInventory)
	assert.False(t, campaigns[1].InInventory)

	// Drops are ordered by requirement.
	require.Len(t, campaigns[0].Drops, 2)
	assert.Equal(t, "d-short", campaigns[0].Drops[0].ID)
	assert.Equal(t, "d-long", campaigns[0].Drops[1].ID)
	assert.Equal(t, 5, campaigns[0].Drops[0].CurrentMinutes)

	assert.Equal(t, baseTime, svc.LastFetch())

	adds := 0
	clearIdx, batchIdx := -1, -1
	for i := 0; len(ch) > 0; i++ {
		switch (<-ch).Name {
		case bus.EvCampaignAdd:
			adds++
		case bus.EvInventoryClear:
			clearIdx = i
		case bus.EvInventoryBatchUpdate:
			batchIdx = i
		}
	}
	assert.Equal(t, 2, adds)

	// The refreshed snapshot replaces the consumer's inventory, so the
	// clear must precede the batch.
	require.NotEqual(t, -1, clearIdx)
	require.NotEqual(t, -1, batchIdx)
	assert.Less(t, clearIdx, batchIdx)
}

func TestFetchInfersClaimedFromAwardedBenefits(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1",
					withBenefit(dropData("d1", 60, 0, ""), "b1"),
					withBenefit(dropData("d2", 90, 0, ""), "b-outside")),
			},
			ClaimedBenefits: []gql.ClaimedBenefitData{
				{ID: "b1", LastAwardedAt: baseTime},
				{ID: "b-outside", LastAwardedAt: baseTime.Add(-48 * time.Hour)},
			},
		},
	}
	svc, _, _ := newTestService(t, fake)

	require.NoError(t, svc.Fetch(context.Background()))

	c := svc.Campaign("c1")
	require.NotNil(t, c)
	assert.True(t, c.Drop("d1").IsClaimed, "benefit awarded inside the window")
	assert.False(t, c.Drop("d2").IsClaimed, "benefit awarded outside the window")
}

func TestFetchClaimsFinishedDrops(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1", dropData("d1", 30, 30, "inst-1")),
			},
		},
		claimResult: true,
	}
	svc, _, _ := newTestService(t, fake)

	require.NoError(t, svc.Fetch(context.Background()))

	assert.Equal(t, []string{"inst-1"}, fake.claimCalls)
	assert.True(t, svc.Campaign("c1").Drop("d1").IsClaimed)
}

func TestFetchMarksPreconditionCycleIneligible(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1",
					dropData("a", 30, 0, "", "b"),
					dropData("b", 60, 0, "", "a"),
					dropData("ok", 90, 0, "")),
			},
		},
	}
	svc, _, _ := newTestService(t, fake)

	require.NoError(t, svc.Fetch(context.Background()))

	c := svc.Campaign("c1")
	assert.True(t, c.Drop("a").Ineligible)
	assert.True(t, c.Drop("b").Ineligible)
	assert.False(t, c.Drop("ok").Ineligible)
}

func TestFetchMarksDanglingPreconditionIneligible(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1", dropData("d1", 30, 0, "", "missing")),
			},
		},
	}
	svc, _, _ := newTestService(t, fake)

	require.NoError(t, svc.Fetch(context.Background()))
	assert.True(t, svc.Campaign("c1").Drop("d1").Ineligible)
}

func TestClaimDropIdempotent(t *testing.T) {
	fake := &fakeGQL{claimResult: true}
	svc, _, _ := newTestService(t, fake)
	ctx := context.Background()

	// Without a claim handle nothing happens.
	d := &model.Drop{ID: "d1", CampaignID: "c1", RequiredMinutes: 30, CurrentMinutes: 30}
	require.NoError(t, svc.ClaimDrop(ctx, d))
	assert.Empty(t, fake.claimCalls)
	assert.False(t, d.IsClaimed)

	d.ClaimID = "inst-1"
	require.NoError(t, svc.ClaimDrop(ctx, d))
	assert.Equal(t, []string{"inst-1"}, fake.claimCalls)
	assert.True(t, d.IsClaimed)

	// A second claim is a no-op.
	require.NoError(t, svc.ClaimDrop(ctx, d))
	assert.Len(t, fake.claimCalls, 1)
}

func TestApplyProgress(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1", dropData("d1", 60, 10, "")),
			},
		},
	}
	svc, _, _ := newTestService(t, fake)
	require.NoError(t, svc.Fetch(context.Background()))

	d := svc.ApplyProgress("d1", 15, baseTime.Add(time.Minute))
	require.NotNil(t, d)
	assert.Equal(t, 15, d.CurrentMinutes)

	// Stale report (older timestamp) is ignored.
	assert.Nil(t, svc.ApplyProgress("d1", 20, baseTime))
	assert.Equal(t, 15, svc.Campaign("c1").Drop("d1").CurrentMinutes)

	assert.Nil(t, svc.ApplyProgress("unknown", 5, baseTime.Add(time.Hour)))
}

func TestDropByID(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1", dropData("d1", 60, 0, "")),
			},
		},
	}
	svc, _, _ := newTestService(t, fake)
	require.NoError(t, svc.Fetch(context.Background()))

	c, d := svc.DropByID("d1")
	require.NotNil(t, c)
	require.NotNil(t, d)
	assert.Equal(t, "c1", c.ID)

	c, d = svc.DropByID("nope")
	assert.Nil(t, c)
	assert.Nil(t, d)
}

func TestWantedGamesConfiguredOrder(t *testing.T) {
	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1", dropData("d1", 60, 0, "")),
				campaignData("c2", "g2", dropData("d2", 30, 0, "")),
			},
		},
	}
	svc, st, _ := newTestService(t, fake)
	require.NoError(t, svc.Fetch(context.Background()))

	_, err := st.Patch([]byte(`{"games_to_watch":["Game g2","Game g1","Unknown Game"]}`))
	require.NoError(t, err)

	games := svc.WantedGames()
	require.Len(t, games, 3)
	assert.Equal(t, "g2", games[0].ID)
	assert.Equal(t, "g1", games[1].ID)
	// Unknown games get a name-only stub so directory discovery still works.
	assert.Equal(t, "Unknown Game", games[2].Name)
	assert.Empty(t, games[2].ID)
}

func TestWantedGamesAutoDiscovery(t *testing.T) {
	expired := campaignData("c-old", "g-old", dropData("d-old", 30, 0, ""))
	expired.EndAt = baseTime.Add(-time.Hour)

	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{
				campaignData("c1", "g1", dropData("d1", 60, 0, "")),
				campaignData("c2", "g1", dropData("d2", 30, 0, "")),
				expired,
			},
		},
	}
	svc, _, _ := newTestService(t, fake)
	require.NoError(t, svc.Fetch(context.Background()))

	games := svc.WantedGames()
	require.Len(t, games, 1, "games are deduplicated and expired campaigns skipped")
	assert.Equal(t, "g1", games[0].ID)
}

func TestNextTimeTrigger(t *testing.T) {
	soon := campaignData("c1", "g1", dropData("d1", 60, 0, ""))
	soon.EndAt = baseTime.Add(2 * time.Hour)
	soon.TimeBasedDrops[0].EndAt = baseTime.Add(30 * time.Minute)

	fake := &fakeGQL{
		inventory: &gql.InventoryData{
			CampaignsInProgress: []gql.CampaignData{soon},
		},
	}
	svc, _, _ := newTestService(t, fake)
	require.NoError(t, svc.Fetch(context.Background()))

	next := svc.NextTimeTrigger(baseTime)
	assert.Equal(t, baseTime.Add(30*time.Minute), next)

	assert.True(t, svc.NextTimeTrigger(baseTime.Add(72*time.Hour)).IsZero())
}
