// Package watch simulates watching the selected channel and keeps drop
// progress moving: periodic heartbeats against the channel's beacon
// endpoint, reconciliation with authoritative progress reports, local
// extrapolation while reports are silent, and claiming finished drops.
package watch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
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

var (
	settingsURLRegex = regexp.MustCompile(`https://static\.twitchcdn\.net/config/settings\.[0-9a-f]{32}\.js`)
	beaconURLRegex   = regexp.MustCompile(`"spade_url":"(.*?)"`)
)

// beaconTTL is how long a scraped beacon URL stays usable.
const beaconTTL = 30 * time.Minute

// claimPollDelay is the pause before the first claim-handle poll after a
// drop completes, and claimPollInterval/claimPollAttempts bound the
// follow-up polling.
const (
	claimPollDelay    = 4 * time.Second
	claimPollInterval = 2 * time.Second
	claimPollAttempts = 8
)

// Inventory is the slice of the inventory service the watcher needs.
type Inventory interface {
	CampaignsForGame(gameID string, now time.Time) []*model.Campaign
	ApplyProgress(dropID string, minutes int, at time.Time) *model.Drop
	DropByID(dropID string) (*model.Campaign, *model.Drop)
	Campaign(id string) *model.Campaign
	ClaimDrop(ctx context.Context, d *model.Drop) error
}

type beaconEntry struct {
	url       string
	fetchedAt time.Time
}

// Service drives the watch loop for one channel at a time. The core hands
// it a target via SetTarget; the service never switches channels itself,
// it only asks for re-selection through the reselect callback.
type Service struct {
	mu sync.Mutex

	gqlc       gql.Operations
	httpClient *http.Client
	inv        Inventory
	settings   *settings.Store
	events     *bus.Bus
	log        *logger.Logger
	clock      clockwork.Clock
	reselect   func()

	target       *model.Channel
	activeDropID string
	lastBumpAt   time.Time
	progressing  bool
	claimPolls   map[string]bool

	beacons map[string]beaconEntry
	wake    chan struct{}
}

// NewService creates the watch service. The reselect callback is invoked
// (never concurrently with itself) when the current target stops being
// productive and the core should pick again.
func NewService(gqlc gql.Operations, httpClient *http.Client, inv Inventory, st *settings.Store, events *bus.Bus, log *logger.Logger, clock clockwork.Clock, reselect func()) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		gqlc:       gqlc,
		httpClient: httpClient,
		inv:        inv,
		settings:   st,
		events:     events,
		log:        log,
		clock:      clock,
		reselect:   reselect,
		beacons:    make(map[string]beaconEntry),
		claimPolls: make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
}

// SetTarget switches the watched channel. A nil target stops watching.
func (s *Service) SetTarget(ctx context.Context, ch *model.Channel) {
	s.mu.Lock()
	prev := s.target
	s.target = ch
	s.activeDropID = ""
	s.lastBumpAt = time.Time{}
	s.mu.Unlock()

	if prev != nil && (ch == nil || prev.ID != ch.ID) {
		s.stopProgress()
	}
	if ch != nil && (prev == nil || prev.ID != ch.ID) {
		s.log.Event(ctx, model.EventChannelSwitch, "Watching channel",
			"channel", ch.Login)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Target returns the channel currently being watched, or nil.
func (s *Service) Target() *model.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Run is the heartbeat loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		timer := s.clock.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.Chan():
		}
		s.tick(ctx)
	}
}

// interval is the heartbeat cadence: the base interval divided by the
// configured connection quality.
func (s *Service) interval() time.Duration {
	quality := s.settings.Get().ConnectionQuality
	if quality < 1 {
		quality = 1
	}
	return constants.WatchInterval / time.Duration(quality)
}

func (s *Service) tick(ctx context.Context) {
	ch := s.Target()
	if ch == nil || !ch.Online() {
		s.stopProgress()
		return
	}

	if err := s.sendHeartbeat(ctx, ch); err != nil {
		s.log.Debug("Heartbeat failed", "channel", ch.Login, "error", err)
	}

	s.updateProgress(ctx, ch)
}

// sendHeartbeat performs one watch cycle against the channel: playback
// token, manifest probe, then the tracking POST to the beacon endpoint. A
// stale beacon (404/410) is refreshed once and the POST retried.
func (s *Service) sendHeartbeat(ctx context.Context, ch *model.Channel) error {
	if err := s.probeStreamPlayback(ctx, ch); err != nil {
		return err
	}

	beacon, err := s.beaconURL(ctx, ch, false)
	if err != nil {
		return err
	}

	status, err := s.postBeacon(ctx, ch, beacon)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		if err := s.refreshStream(ctx, ch); err != nil {
			return err
		}
		beacon, err = s.beaconURL(ctx, ch, true)
		if err != nil {
			return err
		}
		status, err = s.postBeacon(ctx, ch, beacon)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("beacon returned status %d", status)
	}
	return nil
}

// probeStreamPlayback touches the live stream the way a player would:
// access token, HLS manifest, lowest-quality playlist, one segment HEAD.
func (s *Service) probeStreamPlayback(ctx context.Context, ch *model.Channel) error {
	token, err := s.gqlc.GetPlaybackAccessToken(ctx, ch.Login)
	if err != nil {
		return fmt.Errorf("getting playback token: %w", err)
	}

	manifestURL := fmt.Sprintf("%s/api/channel/hls/%s.m3u8?sig=%s&token=%s",
		constants.UsherURL, ch.Login, token.Signature, token.Value)
	manifest, err := s.fetchText(ctx, manifestURL)
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}

	playlistURL := lastURL(manifest)
	if playlistURL == "" {
		return fmt.Errorf("no playlist in manifest")
	}
	playlist, err := s.fetchText(ctx, playlistURL)
	if err != nil {
		return fmt.Errorf("fetching playlist: %w", err)
	}

	segmentURL := secondLastURL(playlist)
	if segmentURL == "" {
		return fmt.Errorf("no segment in playlist")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, segmentURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", constants.DefaultUserAgent)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing segment: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("segment probe returned status %d", resp.StatusCode)
	}
	return nil
}

// postBeacon sends the base64 watch event and returns the HTTP status.
func (s *Service) postBeacon(ctx context.Context, ch *model.Channel, beacon string) (int, error) {
	payload := []map[string]any{{
		"event": "minute-watched",
		"properties": map[string]any{
			"channel_id":   ch.ID,
			"broadcast_id": ch.BroadcastID(),
			"player":       "site",
			"live":         true,
		},
	}}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	body := base64.StdEncoding.EncodeToString(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, beacon, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", constants.DefaultUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// beaconURL resolves the channel's tracking endpoint, scraping the channel
// page for it when the cache misses or force is set.
func (s *Service) beaconURL(ctx context.Context, ch *model.Channel, force bool) (string, error) {
	s.mu.Lock()
	entry, ok := s.beacons[ch.Login]
	s.mu.Unlock()
	if ok && !force && s.clock.Since(entry.fetchedAt) < beaconTTL {
		return entry.url, nil
	}

	page, err := s.fetchText(ctx, constants.TwitchURL+"/"+ch.Login)
	if err != nil {
		return "", fmt.Errorf("fetching channel page: %w", err)
	}

	settingsURL := settingsURLRegex.FindString(page)
	if settingsURL == "" {
		return "", fmt.Errorf("settings script not found on channel page")
	}

	settingsJS, err := s.fetchText(ctx, settingsURL)
	if err != nil {
		return "", fmt.Errorf("fetching settings script: %w", err)
	}

	m := beaconURLRegex.FindStringSubmatch(settingsJS)
	if len(m) < 2 {
		return "", fmt.Errorf("beacon URL not found in settings script")
	}

	url := m[1]
	s.mu.Lock()
	s.beacons[ch.Login] = beaconEntry{url: url, fetchedAt: s.clock.Now()}
	s.mu.Unlock()
	ch.SetBeaconURL(url)
	return url, nil
}

// refreshStream re-fetches the channel's stream info so a new broadcast ID
// flows into the next beacon payload.
func (s *Service) refreshStream(ctx context.Context, ch *model.Channel) error {
	info, err := s.gqlc.GetStreamInfo(ctx, ch.Login)
	if err != nil {
		return err
	}
	if info == nil {
		ch.SetOffline()
		return fmt.Errorf("channel went offline")
	}
	ch.Mu.Lock()
	if ch.Stream != nil {
		ch.Stream.BroadcastID = info.BroadcastID
		ch.Stream.Title = info.Title
		ch.Stream.Viewers = info.ViewersCount
	}
	ch.Mu.Unlock()
	return nil
}

func (s *Service) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", constants.DefaultUserAgent)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// updateProgress picks the drop being credited, extrapolates while the
// authoritative reports are silent, and claims completions.
func (s *Service) updateProgress(ctx context.Context, ch *model.Channel) {
	game := ch.CurrentGame()
	if game == nil {
		s.stopProgress()
		return
	}

	now := s.clock.Now()
	campaign, drop := s.pickDrop(ch, game, now)
	if drop == nil {
		s.stopProgress()
		s.askReselect()
		return
	}

	s.mu.Lock()
	if s.activeDropID != drop.ID {
		s.activeDropID = drop.ID
		s.lastBumpAt = now
	}
	lastBump := s.lastBumpAt
	s.mu.Unlock()

	// Extrapolate a minute when the server has been quiet past the grace
	// window and at most once per minute.
	silence := s.interval() + constants.ProgressSilenceGrace
	lastReport := drop.LastReportAt()
	if lastReport.IsZero() {
		lastReport = lastBump
	}
	if now.Sub(lastReport) >= silence && now.Sub(lastBump) >= time.Minute {
		s.mu.Lock()
		s.lastBumpAt = now
		s.mu.Unlock()
		if capped := drop.BumpMinutes(); capped {
			s.log.Debug("Extrapolation cap reached", "drop", drop.Name)
			s.askReselect()
		}
	}

	s.publishProgress(campaign, drop)

	if drop.IsComplete() {
		s.claimCompleted(ctx, ch, drop)
	}
}

// pickDrop returns the campaign and earnable drop the heartbeats are
// crediting on this channel.
func (s *Service) pickDrop(ch *model.Channel, game *model.Game, now time.Time) (*model.Campaign, *model.Drop) {
	var bestC *model.Campaign
	var bestD *model.Drop
	for _, c := range s.inv.CampaignsForGame(game.ID, now) {
		if !c.CanEarn(ch, now) {
			continue
		}
		d := c.FirstEarnableDrop(now)
		if d == nil {
			continue
		}
		if bestD == nil || d.RemainingMinutes() < bestD.RemainingMinutes() {
			bestC, bestD = c, d
		}
	}
	return bestC, bestD
}

// HandleDropProgress applies an authoritative drop-progress report. A
// report naming a different drop than the one being credited means the
// server is counting a sibling; the session context decides which drop is
// really active.
func (s *Service) HandleDropProgress(ctx context.Context, msg *model.Message) {
	dropID := msg.DropID()
	current, _, ok := msg.ProgressMinutes()
	if dropID == "" || !ok {
		return
	}

	drop := s.inv.ApplyProgress(dropID, current, msg.Timestamp)

	s.mu.Lock()
	active := s.activeDropID
	s.mu.Unlock()

	if active != "" && dropID != active {
		s.resolveActiveDrop(ctx)
		return
	}

	if drop == nil {
		return
	}
	if campaign, _ := s.inv.DropByID(dropID); campaign != nil {
		s.publishProgress(campaign, drop)
		if drop.IsComplete() {
			if ch := s.Target(); ch != nil {
				s.claimCompleted(ctx, ch, drop)
			}
		}
	}
}

// HandleDropClaim records the claim handle delivered over pub-sub and
// claims immediately.
func (s *Service) HandleDropClaim(ctx context.Context, msg *model.Message) {
	dropID := msg.DropID()
	instanceID := msg.DropInstanceID()
	if dropID == "" || instanceID == "" {
		return
	}
	_, drop := s.inv.DropByID(dropID)
	if drop == nil {
		return
	}
	drop.ClaimID = instanceID
	if err := s.inv.ClaimDrop(ctx, drop); err != nil {
		s.log.Warn("Failed to claim drop", "drop", drop.Name, "error", err)
	}
}

// resolveActiveDrop re-derives the credited drop from the server's session
// context when local tracking and authoritative reports disagree.
func (s *Service) resolveActiveDrop(ctx context.Context) {
	ch := s.Target()
	if ch == nil {
		return
	}
	cur, err := s.gqlc.GetCurrentDrop(ctx, ch.ID)
	if err != nil || cur == nil {
		return
	}
	drop := s.inv.ApplyProgress(cur.DropID, cur.CurrentMinutesWatched, s.clock.Now())

	s.mu.Lock()
	s.activeDropID = cur.DropID
	s.mu.Unlock()

	if drop != nil {
		if campaign, _ := s.inv.DropByID(cur.DropID); campaign != nil {
			s.publishProgress(campaign, drop)
		}
	}
}

// claimCompleted claims a finished drop. A drop with its claim handle in
// hand is claimed inline; without one the handle is polled for on a
// separate goroutine so the heartbeat loop keeps ticking.
func (s *Service) claimCompleted(ctx context.Context, ch *model.Channel, drop *model.Drop) {
	if drop.IsClaimed {
		return
	}
	if drop.ClaimID != "" {
		s.finishClaim(ctx, drop)
		return
	}

	s.mu.Lock()
	if s.claimPolls[drop.ID] {
		s.mu.Unlock()
		return
	}
	s.claimPolls[drop.ID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.claimPolls, drop.ID)
			s.mu.Unlock()
		}()
		s.pollClaimHandle(ctx, ch, drop)
		if drop.ClaimID != "" {
			s.finishClaim(ctx, drop)
		}
	}()
}

// pollClaimHandle waits for the claim handle of a just-completed drop;
// it usually shows up within seconds of completion.
func (s *Service) pollClaimHandle(ctx context.Context, ch *model.Channel, drop *model.Drop) {
	select {
	case <-ctx.Done():
		return
	case <-s.clock.After(claimPollDelay):
	}
	for i := 0; i < claimPollAttempts && drop.ClaimID == ""; i++ {
		cur, err := s.gqlc.GetCurrentDrop(ctx, ch.ID)
		if err == nil && cur != nil && cur.DropID == drop.ID {
			// Completion observed server-side; the claim handle arrives
			// through the drop-claim pub-sub message or the next
			// inventory fetch.
			if cur.CurrentMinutesWatched >= cur.RequiredMinutesWatched {
				break
			}
		}
		if drop.ClaimID != "" {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(claimPollInterval):
		}
	}
}

func (s *Service) finishClaim(ctx context.Context, drop *model.Drop) {
	if err := s.inv.ClaimDrop(ctx, drop); err != nil {
		s.log.Warn("Failed to claim drop", "drop", drop.Name, "error", err)
		return
	}
	s.stopProgress()
	s.askReselect()
}

func (s *Service) publishProgress(campaign *model.Campaign, drop *model.Drop) {
	s.mu.Lock()
	s.progressing = true
	s.mu.Unlock()

	gameName := ""
	if campaign.Game != nil {
		gameName = campaign.Game.Name
	}
	s.events.Publish(bus.EvDropProgress, bus.DropProgressPayload{
		DropID:           drop.ID,
		CampaignID:       campaign.ID,
		CampaignName:     campaign.Name,
		GameName:         gameName,
		DropName:         drop.Name,
		CurrentMinutes:   drop.TotalMinutes(),
		RequiredMinutes:  drop.RequiredMinutes,
		Progress:         drop.Progress(),
		RemainingSeconds: drop.RemainingMinutes() * 60,
	})
}

func (s *Service) stopProgress() {
	s.mu.Lock()
	wasProgressing := s.progressing
	s.progressing = false
	s.activeDropID = ""
	s.mu.Unlock()

	if wasProgressing {
		s.events.Publish(bus.EvDropProgressStop, nil)
	}
}

func (s *Service) askReselect() {
	if s.reselect != nil {
		s.reselect()
	}
}

func lastURL(manifest string) string {
	lines := strings.Split(strings.TrimSpace(manifest), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line
		}
	}
	return ""
}

func secondLastURL(playlist string) string {
	lines := strings.Split(strings.TrimSpace(playlist), "\n")
	seen := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			seen++
			if seen == 2 {
				return line
			}
		}
	}
	if seen == 1 {
		return lastURL(playlist)
	}
	return ""
}
