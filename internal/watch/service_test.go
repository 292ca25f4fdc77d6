package watch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
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

type fakeGQL struct {
	mu               sync.Mutex
	currentDrop      *gql.CurrentDropData
	currentDropCalls int
	onCurrentDrop    func()
	streamInfo       *gql.StreamInfoResponse
	playbackToken    *gql.PlaybackAccessToken
}

func (f *fakeGQL) PostGQL(context.Context, constants.GQLOperation, map[string]any) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeGQL) PostGQLBatch(context.Context, []constants.GQLOperation, []map[string]any) ([]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeGQL) GetInventory(context.Context) (*gql.InventoryData, error) { return nil, nil }

func (f *fakeGQL) GetDropsDashboard(context.Context, string) ([]gql.CampaignData, error) {
	return nil, nil
}

func (f *fakeGQL) GetCampaignDetails(context.Context, []string, string) ([]gql.CampaignData, error) {
	return nil, nil
}

func (f *fakeGQL) ClaimDropRewards(context.Context, string) (bool, error) { return false, nil }

func (f *fakeGQL) GetCurrentDrop(context.Context, string) (*gql.CurrentDropData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentDropCalls++
	if f.onCurrentDrop != nil {
		f.onCurrentDrop()
	}
	return f.currentDrop, nil
}

func (f *fakeGQL) currentDropCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentDropCalls
}

func (f *fakeGQL) GetStreamInfo(context.Context, string) (*gql.StreamInfoResponse, error) {
	return f.streamInfo, nil
}

func (f *fakeGQL) GetStreamInfoBatch(context.Context, []string) (map[string]*gql.StreamInfoResponse, error) {
	return nil, nil
}

func (f *fakeGQL) GetPlaybackAccessToken(context.Context, string) (*gql.PlaybackAccessToken, error) {
	return f.playbackToken, nil
}

func (f *fakeGQL) GetTopStreamsByCategory(context.Context, string, int, bool) ([]gql.TopStream, error) {
	return nil, nil
}

func (f *fakeGQL) DeleteNotification(context.Context, string) error { return nil }

type fakeInventory struct {
	mu        sync.Mutex
	campaigns []*model.Campaign
	claimed   []*model.Drop
}

func (f *fakeInventory) CampaignsForGame(gameID string, now time.Time) []*model.Campaign {
	var out []*model.Campaign
	for _, c := range f.campaigns {
		if c.Game != nil && c.Game.ID == gameID && c.Status(now) == model.CampaignActive {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeInventory) ApplyProgress(dropID string, minutes int, at time.Time) *model.Drop {
	for _, c := range f.campaigns {
		if d := c.Drop(dropID); d != nil {
			if d.ReportMinutes(minutes, at) {
				return d
			}
			return nil
		}
	}
	return nil
}

func (f *fakeInventory) DropByID(dropID string) (*model.Campaign, *model.Drop) {
	for _, c := range f.campaigns {
		if d := c.Drop(dropID); d != nil {
			return c, d
		}
	}
	return nil, nil
}

func (f *fakeInventory) Campaign(id string) *model.Campaign {
	for _, c := range f.campaigns {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeInventory) ClaimDrop(_ context.Context, d *model.Drop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, d)
	d.MarkClaimed()
	return nil
}

func (f *fakeInventory) claimedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claimed)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type watchFixture struct {
	svc       *Service
	gqlc      *fakeGQL
	inv       *fakeInventory
	clock     *clockwork.FakeClock
	events    *bus.Bus
	reselects *int
}

func newFixture(t *testing.T, rt roundTripperFunc) *watchFixture {
	t.Helper()
	log, err := logger.Setup(logger.Config{Level: slog.LevelError})
	require.NoError(t, err)
	st, err := settings.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	if rt == nil {
		rt = func(r *http.Request) (*http.Response, error) {
			t.Fatalf("unexpected HTTP request: %s %s", r.Method, r.URL)
			return nil, nil
		}
	}

	gqlc := &fakeGQL{}
	inv := &fakeInventory{}
	clock := clockwork.NewFakeClockAt(baseTime)
	events := bus.New(64)
	reselects := 0

	svc := NewService(gqlc, &http.Client{Transport: rt}, inv, st, events, log, clock,
		func() { reselects++ })

	return &watchFixture{svc: svc, gqlc: gqlc, inv: inv, clock: clock,
		events: events, reselects: &reselects}
}

func onlineChannel(id, login, gameID string) *model.Channel {
	ch := model.NewChannel(id, login, login, false)
	ch.SetOnline(&model.Stream{BroadcastID: "b1", Viewers: 10, DropsEnabled: true},
		&model.Game{ID: gameID, Name: "Game " + gameID})
	return ch
}

func activeCampaign(id, gameID string, drops ...*model.Drop) *model.Campaign {
	return &model.Campaign{
		ID:       id,
		Name:     "Campaign " + id,
		Game:     &model.Game{ID: gameID, Name: "Game " + gameID},
		Linked:   true,
		Valid:    true,
		StartsAt: baseTime.Add(-time.Hour),
		EndsAt:   baseTime.Add(24 * time.Hour),
		Drops:    drops,
	}
}

func testDrop(id string, required, current int) *model.Drop {
	return &model.Drop{
		ID:              id,
		Name:            "Drop " + id,
		StartsAt:        baseTime.Add(-time.Hour),
		EndsAt:          baseTime.Add(24 * time.Hour),
		RequiredMinutes: required,
		CurrentMinutes:  current,
	}
}

func TestLastURL(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     string
	}{
		{
			name:     "last line wins",
			manifest: "#EXTM3U\nhttps://a.example/1\n#EXT-X\nhttps://a.example/2\n",
			want:     "https://a.example/2",
		},
		{
			name:     "no urls",
			manifest: "#EXTM3U\n#EXT-X-VERSION:3\n",
			want:     "",
		},
		{
			name:     "empty",
			manifest: "",
			want:     "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lastURL(tt.manifest))
		})
	}
}

func TestSecondLastURL(t *testing.T) {
	tests := []struct {
		name     string
		playlist string
		want     string
	}{
		{
			name:     "second to last segment",
			playlist: "https://s.example/1.ts\nhttps://s.example/2.ts\nhttps://s.example/3.ts\n",
			want:     "https://s.example/2.ts",
		},
		{
			name:     "single segment falls back",
			playlist: "#EXTINF:2.0\nhttps://s.example/only.ts\n",
			want:     "https://s.example/only.ts",
		},
		{
			name:     "no segments",
			playlist: "#EXTM3U\n",
			want:     "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, secondLastURL(tt.playlist))
		})
	}
}

func TestPickDropLeastRemaining(t *testing.T) {
	f := newFixture(t, nil)
	ch := onlineChannel("id1", "chan", "g1")

	far := testDrop("far", 120, 10)
	near := testDrop("near", 60, 50)
	f.inv.campaigns = []*model.Campaign{
		activeCampaign("c1", "g1", far),
		activeCampaign("c2", "g1", near),
	}

	campaign, drop := f.svc.pickDrop(ch, ch.CurrentGame(), f.clock.Now())
	require.NotNil(t, drop)
	assert.Equal(t, "near", drop.ID)
	assert.Equal(t, "c2", campaign.ID)
}

func TestPickDropIgnoresOtherGames(t *testing.T) {
	f := newFixture(t, nil)
	ch := onlineChannel("id1", "chan", "g1")

	f.inv.campaigns = []*model.Campaign{
		activeCampaign("c1", "g2", testDrop("d1", 60, 0)),
	}

	_, drop := f.svc.pickDrop(ch, ch.CurrentGame(), f.clock.Now())
	assert.Nil(t, drop)
}

func TestUpdateProgressExtrapolation(t *testing.T) {
	f := newFixture(t, nil)
	ch := onlineChannel("id1", "chan", "g1")
	drop := testDrop("d1", 60, 10)
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", drop)}
	f.svc.SetTarget(context.Background(), ch)

	// First pass arms the tracker; no bump yet.
	f.svc.updateProgress(context.Background(), ch)
	assert.Equal(t, 0, drop.ExtraMinutes)

	// After the silence window and the per-minute limit, one minute is
	// extrapolated per pass.
	f.clock.Advance(2 * time.Minute)
	f.svc.updateProgress(context.Background(), ch)
	assert.Equal(t, 1, drop.ExtraMinutes)

	// A second pass at the same instant does not bump again.
	f.svc.updateProgress(context.Background(), ch)
	assert.Equal(t, 1, drop.ExtraMinutes)
	assert.Equal(t, 0, *f.reselects)
}

func TestUpdateProgressCapAsksReselect(t *testing.T) {
	f := newFixture(t, nil)
	ch := onlineChannel("id1", "chan", "g1")
	drop := testDrop("d1", 60, 10)
	drop.ExtraMinutes = model.MaxExtraMinutes - 1
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", drop)}
	f.svc.SetTarget(context.Background(), ch)

	f.svc.updateProgress(context.Background(), ch)
	f.clock.Advance(2 * time.Minute)
	f.svc.updateProgress(context.Background(), ch)

	assert.Equal(t, model.MaxExtraMinutes, drop.ExtraMinutes)
	assert.Equal(t, 1, *f.reselects)
}

func TestUpdateProgressNoDropAsksReselect(t *testing.T) {
	f := newFixture(t, nil)
	ch := onlineChannel("id1", "chan", "g1")
	f.svc.SetTarget(context.Background(), ch)

	f.svc.updateProgress(context.Background(), ch)
	assert.Equal(t, 1, *f.reselects)
}

func TestHandleDropProgressAppliesReport(t *testing.T) {
	f := newFixture(t, nil)
	drop := testDrop("d1", 60, 10)
	drop.ExtraMinutes = 3
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", drop)}

	f.svc.mu.Lock()
	f.svc.activeDropID = "d1"
	f.svc.mu.Unlock()

	msg := &model.Message{
		Type: model.MsgTypeDropProgress,
		Data: map[string]any{
			"drop_id":               "d1",
			"current_progress_min":  float64(25),
			"required_progress_min": float64(60),
		},
		Timestamp: baseTime,
	}
	f.svc.HandleDropProgress(context.Background(), msg)

	assert.Equal(t, 25, drop.CurrentMinutes)
	assert.Equal(t, 0, drop.ExtraMinutes, "authoritative report resets extrapolation")
	assert.Equal(t, 0, f.gqlc.currentDropCallCount())
}

func TestHandleDropProgressSiblingMismatch(t *testing.T) {
	f := newFixture(t, nil)
	tracked := testDrop("d-tracked", 60, 10)
	sibling := testDrop("d-sibling", 90, 0)
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", tracked, sibling)}

	ch := onlineChannel("id1", "chan", "g1")
	f.svc.SetTarget(context.Background(), ch)
	f.svc.mu.Lock()
	f.svc.activeDropID = "d-tracked"
	f.svc.mu.Unlock()

	// The server knows better: it is crediting the sibling.
	f.gqlc.currentDrop = &gql.CurrentDropData{
		DropID:                 "d-sibling",
		CurrentMinutesWatched:  12,
		RequiredMinutesWatched: 90,
		ChannelID:              "id1",
	}

	msg := &model.Message{
		Type: model.MsgTypeDropProgress,
		Data: map[string]any{
			"drop_id":               "d-sibling",
			"current_progress_min":  float64(12),
			"required_progress_min": float64(90),
		},
		Timestamp: baseTime,
	}
	f.svc.HandleDropProgress(context.Background(), msg)

	assert.Equal(t, 1, f.gqlc.currentDropCallCount(), "mismatch resolves via session context")
	f.svc.mu.Lock()
	active := f.svc.activeDropID
	f.svc.mu.Unlock()
	assert.Equal(t, "d-sibling", active)
	assert.Equal(t, 12, sibling.CurrentMinutes)
}

func TestHandleDropClaim(t *testing.T) {
	f := newFixture(t, nil)
	drop := testDrop("d1", 60, 60)
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", drop)}

	msg := &model.Message{
		Type: model.MsgTypeDropClaim,
		Data: map[string]any{
			"drop_id":          "d1",
			"drop_instance_id": "inst-1",
		},
	}
	f.svc.HandleDropClaim(context.Background(), msg)

	assert.Equal(t, "inst-1", drop.ClaimID)
	require.Len(t, f.inv.claimed, 1)
	assert.True(t, drop.IsClaimed)
}

func TestClaimCompletedWithHandle(t *testing.T) {
	f := newFixture(t, nil)
	ch := onlineChannel("id1", "chan", "g1")
	drop := testDrop("d1", 60, 60)
	drop.ClaimID = "inst-1"
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", drop)}

	f.svc.claimCompleted(context.Background(), ch, drop)

	require.Len(t, f.inv.claimed, 1)
	assert.True(t, drop.IsClaimed)
	assert.Equal(t, 1, *f.reselects, "a finished drop frees the channel choice")
}

func TestClaimWithoutHandleConfirmsOffHeartbeat(t *testing.T) {
	f := newFixture(t, nil)
	ch := onlineChannel("id1", "chan", "g1")
	drop := testDrop("d1", 60, 60)
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", drop)}

	// The handle shows up on the first confirmation poll.
	f.gqlc.onCurrentDrop = func() { drop.ClaimID = "inst-9" }

	ctx := context.Background()
	f.svc.claimCompleted(ctx, ch, drop)
	f.svc.claimCompleted(ctx, ch, drop) // second completion report while the first poll is pending

	assert.Equal(t, 0, f.gqlc.currentDropCallCount(), "confirmation must not run inline")

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(claimPollDelay)

	assert.Eventually(t, func() bool { return f.inv.claimedCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.gqlc.currentDropCallCount(), "one poller per drop")
	assert.True(t, drop.IsClaimed)
}

func TestStopProgressPublishesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.events.Subscribe()
	defer cancel()

	drop := testDrop("d1", 60, 10)
	campaign := activeCampaign("c1", "g1", drop)
	f.svc.publishProgress(campaign, drop)
	f.svc.stopProgress()
	f.svc.stopProgress()

	stops := 0
	for len(ch) > 0 {
		if (<-ch).Name == bus.EvDropProgressStop {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestBeaconURLScrapesAndCaches(t *testing.T) {
	const settingsJS = "https://static.twitchcdn.net/config/settings.0123456789abcdef0123456789abcdef.js"
	pageFetches := 0

	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		switch {
		case r.URL.String() == constants.TwitchURL+"/chan":
			pageFetches++
			return textResponse(200, `<script src="`+settingsJS+`"></script>`), nil
		case r.URL.String() == settingsJS:
			return textResponse(200, `{"spade_url":"https://spade.example/track"}`), nil
		}
		t.Fatalf("unexpected HTTP request: %s", r.URL)
		return nil, nil
	})

	f := newFixture(t, rt)
	ch := onlineChannel("id1", "chan", "g1")

	url, err := f.svc.beaconURL(context.Background(), ch, false)
	require.NoError(t, err)
	assert.Equal(t, "https://spade.example/track", url)
	assert.Equal(t, "https://spade.example/track", ch.BeaconURL())
	assert.Equal(t, 1, pageFetches)

	// Cache hit: no new scrape.
	_, err = f.svc.beaconURL(context.Background(), ch, false)
	require.NoError(t, err)
	assert.Equal(t, 1, pageFetches)

	// Expired cache entries are re-scraped.
	f.clock.Advance(beaconTTL + time.Minute)
	_, err = f.svc.beaconURL(context.Background(), ch, false)
	require.NoError(t, err)
	assert.Equal(t, 2, pageFetches)

	// Forced refresh bypasses a fresh cache.
	_, err = f.svc.beaconURL(context.Background(), ch, true)
	require.NoError(t, err)
	assert.Equal(t, 3, pageFetches)
}

func TestSendHeartbeatRefreshesStaleBeacon(t *testing.T) {
	const settingsJS = "https://static.twitchcdn.net/config/settings.0123456789abcdef0123456789abcdef.js"
	beaconPosts := 0
	var lastBroadcastID string

	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		url := r.URL.String()
		switch {
		case strings.HasPrefix(url, constants.UsherURL):
			return textResponse(200, "#EXTM3U\nhttps://playlist.example/p.m3u8\n"), nil
		case url == "https://playlist.example/p.m3u8":
			return textResponse(200, "https://seg.example/1.ts\nhttps://seg.example/2.ts\n"), nil
		case url == "https://seg.example/1.ts" && r.Method == http.MethodHead:
			return textResponse(200, ""), nil
		case url == constants.TwitchURL+"/chan":
			return textResponse(200, settingsJS), nil
		case url == settingsJS:
			return textResponse(200, `{"spade_url":"https://spade.example/track"}`), nil
		case url == "https://spade.example/track":
			beaconPosts++
			body, _ := io.ReadAll(r.Body)
			raw, _ := base64.StdEncoding.DecodeString(string(body))
			var events []struct {
				Properties struct {
					BroadcastID string `json:"broadcast_id"`
				} `json:"properties"`
			}
			_ = json.Unmarshal(raw, &events)
			if len(events) > 0 {
				lastBroadcastID = events[0].Properties.BroadcastID
			}
			if beaconPosts == 1 {
				return textResponse(404, ""), nil
			}
			return textResponse(204, ""), nil
		}
		t.Fatalf("unexpected HTTP request: %s %s", r.Method, r.URL)
		return nil, nil
	})

	f := newFixture(t, rt)
	f.gqlc.playbackToken = &gql.PlaybackAccessToken{Signature: "sig", Value: "tok"}
	f.gqlc.streamInfo = &gql.StreamInfoResponse{BroadcastID: "b2", Title: "t", ViewersCount: 5}

	ch := onlineChannel("id1", "chan", "g1")
	require.NoError(t, f.svc.sendHeartbeat(context.Background(), ch))

	assert.Equal(t, 2, beaconPosts, "404 triggers one refresh and retry")
	assert.Equal(t, "b2", lastBroadcastID, "retry carries the refreshed broadcast id")
	assert.Equal(t, "b2", ch.BroadcastID())
}

func TestSetTargetSwitchStopsProgress(t *testing.T) {
	f := newFixture(t, nil)
	evCh, cancel := f.events.Subscribe()
	defer cancel()

	a := onlineChannel("a", "chan-a", "g1")
	b := onlineChannel("b", "chan-b", "g1")
	drop := testDrop("d1", 60, 10)
	f.inv.campaigns = []*model.Campaign{activeCampaign("c1", "g1", drop)}

	f.svc.SetTarget(context.Background(), a)
	f.svc.updateProgress(context.Background(), a)
	f.svc.SetTarget(context.Background(), b)

	assert.Equal(t, b, f.svc.Target())

	stops := 0
	for len(evCh) > 0 {
		if (<-evCh).Name == bus.EvDropProgressStop {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}
