// Package channels maintains the working set of tracked channels:
// discovery over campaign allow lists and the game directory, stream state
// bookkeeping from pub-sub events, and watch-target selection.
package channels

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/arvell/drops-agent/internal/bus"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/gql"
	"github.com/arvell/drops-agent/internal/jsonutil"
	"github.com/arvell/drops-agent/internal/logger"
	"github.com/arvell/drops-agent/internal/model"
	"github.com/arvell/drops-agent/internal/workerpool"
)

// ErrChannelNotFound is returned by manual selection for unknown IDs.
var ErrChannelNotFound = errors.New("channel not found")

// ErrChannelOffline is returned by manual selection for offline channels.
var ErrChannelOffline = errors.New("channel offline")

// directoryPageSize is how many streams one directory query requests.
const directoryPageSize = 30

// probeChunk is how many channels one bulk online probe covers.
const probeChunk = 20

// probeWorkers bounds concurrent probe requests.
const probeWorkers = 4

// TopicSubscriber is the slice of the WebSocket pool the service needs.
type TopicSubscriber interface {
	Subscribe(ctx context.Context, topics []model.Topic) error
	UnsubscribeChannel(channelID string) error
}

// Service owns the channel registry. The registry is capped at
// MaxChannels; discoveries past the cap wait in a queue drained on
// cleanup.
type Service struct {
	mu sync.RWMutex

	gqlc   gql.Operations
	pool   TopicSubscriber
	events *bus.Bus
	log    *logger.Logger

	channels map[string]*model.Channel
	order    []string
	queued   []*model.Channel

	manualID  string
	gameIndex map[string]int
	wanted    []*model.Game
}

// NewService creates the channel service.
func NewService(gqlc gql.Operations, pool TopicSubscriber, events *bus.Bus, log *logger.Logger) *Service {
	return &Service{
		gqlc:      gqlc,
		pool:      pool,
		events:    events,
		log:       log,
		channels:  make(map[string]*model.Channel),
		gameIndex: make(map[string]int),
	}
}

// SetWantedGames replaces the ordered wanted-games set computed in the
// GAMES_UPDATE phase. Earlier games rank higher during selection.
func (s *Service) SetWantedGames(games []*model.Game) {
	s.mu.Lock()
	s.wanted = games
	s.gameIndex = make(map[string]int, len(games))
	for i, g := range games {
		if g.ID != "" {
			s.gameIndex[g.ID] = i
		}
	}
	s.mu.Unlock()

	names := make([]string, 0, len(games))
	for _, g := range games {
		names = append(names, g.Name)
	}
	s.events.Publish(bus.EvGamesAvailable, names)
}

// Cleanup removes channels whose current game is no longer wanted, then
// admits queued discoveries into the freed capacity.
func (s *Service) Cleanup(ctx context.Context) {
	s.mu.Lock()
	var removed []*model.Channel
	kept := s.order[:0]
	for _, id := range s.order {
		ch := s.channels[id]
		if s.wantedLocked(ch) || id == s.manualID {
			kept = append(kept, id)
			continue
		}
		delete(s.channels, id)
		removed = append(removed, ch)
	}
	s.order = kept

	var admitted []*model.Channel
	for len(s.queued) > 0 && len(s.order) < constants.MaxChannels {
		ch := s.queued[0]
		s.queued = s.queued[1:]
		if _, dup := s.channels[ch.ID]; dup {
			continue
		}
		s.channels[ch.ID] = ch
		s.order = append(s.order, ch.ID)
		admitted = append(admitted, ch)
	}
	s.mu.Unlock()

	for _, ch := range removed {
		if err := s.pool.UnsubscribeChannel(ch.ID); err != nil {
			s.log.Warn("Failed to unsubscribe channel topics",
				"channel", ch.Login, "error", err)
		}
		s.events.Publish(bus.EvChannelRemove, map[string]string{"id": ch.ID})
	}
	for _, ch := range admitted {
		s.subscribeChannel(ctx, ch)
		s.events.Publish(bus.EvChannelAdd, s.payload(ch))
	}

	if len(removed) > 0 || len(admitted) > 0 {
		s.log.Info("Channel cleanup finished",
			"removed", len(removed), "admitted", len(admitted), "tracked", s.Count())
	}
}

// wantedLocked reports whether a channel's current game is in the wanted
// set. ACL channels stay while their game is wanted even when offline, so
// a stream-up can re-activate them.
func (s *Service) wantedLocked(ch *model.Channel) bool {
	game := ch.CurrentGame()
	if game == nil {
		return ch.ACLBased
	}
	_, ok := s.gameIndex[game.ID]
	return ok
}

// Fetch discovers channels for the current campaign set: allow-listed
// channels are probed individually, then directory queries fill remaining
// capacity per wanted game.
func (s *Service) Fetch(ctx context.Context, campaigns []*model.Campaign) {
	now := time.Now()

	var acl []model.ChannelRef
	seen := map[string]bool{}
	for _, c := range campaigns {
		if !c.ACLBased() || c.Status(now) != model.CampaignActive || !c.Eligible() {
			continue
		}
		for _, ref := range c.AllowedChannels {
			if ref.ID == "" || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			acl = append(acl, ref)
		}
	}

	if len(acl) > 0 {
		s.probeACL(ctx, acl)
	}

	s.mu.RLock()
	wanted := make([]*model.Game, len(s.wanted))
	copy(wanted, s.wanted)
	s.mu.RUnlock()

	for _, game := range wanted {
		if s.Count() >= constants.MaxChannels {
			break
		}
		s.discoverDirectory(ctx, game)
	}
}

// probeACL checks allow-listed channels for live streams, in chunks of
// probeChunk over a bounded worker pool, and tracks the online ones.
func (s *Service) probeACL(ctx context.Context, refs []model.ChannelRef) {
	byLogin := make(map[string]model.ChannelRef, len(refs))
	var chunks [][]string
	var current []string
	for _, ref := range refs {
		if ref.Login == "" {
			continue
		}
		byLogin[ref.Login] = ref
		current = append(current, ref.Login)
		if len(current) == probeChunk {
			chunks = append(chunks, current)
			current = nil
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	err := workerpool.Run(ctx, chunks, probeWorkers, func(ctx context.Context, logins []string) error {
		infos, err := s.gqlc.GetStreamInfoBatch(ctx, logins)
		if err != nil {
			return err
		}
		for login, info := range infos {
			if info == nil {
				continue
			}
			ref := byLogin[login]
			s.track(ctx, ref.ID, login, login, true, info)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("ACL channel probe failed", "error", err)
	}
}

// discoverDirectory queries the game directory for drops-enabled streams
// and tracks them until capacity runs out.
func (s *Service) discoverDirectory(ctx context.Context, game *model.Game) {
	streams, err := s.gqlc.GetTopStreamsByCategory(ctx, game.EffectiveSlug(), directoryPageSize, true)
	if err != nil {
		s.log.Warn("Directory query failed", "game", game.Name, "error", err)
		return
	}

	for _, ts := range streams {
		if s.Count() >= constants.MaxChannels {
			return
		}
		info := &gql.StreamInfoResponse{
			BroadcastID:  ts.BroadcastID,
			Title:        ts.Title,
			Game:         ts.Game,
			ViewersCount: ts.ViewersCount,
			TagIDs:       []string{constants.DropsEnabledTagID},
		}
		s.track(ctx, ts.ChannelID, ts.Login, ts.DisplayName, false, info)
	}
}

// track adds or refreshes a channel from a stream info snapshot.
func (s *Service) track(ctx context.Context, id, login, name string, aclBased bool, info *gql.StreamInfoResponse) {
	if id == "" {
		return
	}

	s.mu.Lock()
	ch, known := s.channels[id]
	if !known {
		ch = model.NewChannel(id, login, name, aclBased)
		if len(s.order) >= constants.MaxChannels {
			s.queued = append(s.queued, ch)
			s.mu.Unlock()
			s.log.Debug("Channel cap reached, queueing discovery", "channel", login)
			applyStreamInfo(ch, info)
			return
		}
		s.channels[id] = ch
		s.order = append(s.order, id)
	}
	s.mu.Unlock()

	applyStreamInfo(ch, info)

	if !known {
		s.subscribeChannel(ctx, ch)
		s.events.Publish(bus.EvChannelAdd, s.payload(ch))
	} else {
		s.events.Publish(bus.EvChannelUpdate, s.payload(ch))
	}
}

func applyStreamInfo(ch *model.Channel, info *gql.StreamInfoResponse) {
	if info == nil {
		ch.SetOffline()
		return
	}
	var game *model.Game
	if info.Game != nil {
		name := info.Game.DisplayName
		if name == "" {
			name = info.Game.Name
		}
		game = &model.Game{
			ID:        info.Game.ID,
			Name:      name,
			Slug:      info.Game.Slug,
			BoxArtURL: info.Game.BoxArtURL,
		}
	}
	ch.SetOnline(&model.Stream{
		BroadcastID:  info.BroadcastID,
		Title:        info.Title,
		Viewers:      info.ViewersCount,
		DropsEnabled: info.HasDropsTag(),
		StartedAt:    time.Now(),
	}, game)
}

func (s *Service) subscribeChannel(ctx context.Context, ch *model.Channel) {
	topics := []model.Topic{
		model.NewChannelTopic(model.TopicStreamState, ch.ID),
		model.NewChannelTopic(model.TopicStreamUpdate, ch.ID),
	}
	if err := s.pool.Subscribe(ctx, topics); err != nil {
		s.log.Warn("Failed to subscribe channel topics",
			"channel", ch.Login, "error", err)
	}
}

// RefreshOnline re-probes every tracked channel's live state in bulk.
func (s *Service) RefreshOnline(ctx context.Context) {
	s.mu.RLock()
	logins := make([]string, 0, len(s.order))
	byLogin := make(map[string]*model.Channel, len(s.order))
	for _, id := range s.order {
		ch := s.channels[id]
		logins = append(logins, ch.Login)
		byLogin[ch.Login] = ch
	}
	s.mu.RUnlock()

	for i := 0; i < len(logins); i += probeChunk {
		end := i + probeChunk
		if end > len(logins) {
			end = len(logins)
		}
		infos, err := s.gqlc.GetStreamInfoBatch(ctx, logins[i:end])
		if err != nil {
			s.log.Warn("Bulk online refresh failed", "error", err)
			continue
		}
		for login, info := range infos {
			applyStreamInfo(byLogin[login], info)
		}
	}

	s.publishBatch()
}

// Select picks the channel to watch. Manual mode wins while its channel is
// online; otherwise ordering is wanted-game index, ACL over directory,
// viewer count, then channel ID for determinism.
func (s *Service) Select() *model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.manualID != "" {
		if ch, ok := s.channels[s.manualID]; ok && ch.Online() {
			return ch
		}
	}

	var candidates []*model.Channel
	for _, id := range s.order {
		ch := s.channels[id]
		if !ch.Online() {
			continue
		}
		game := ch.CurrentGame()
		if game == nil {
			continue
		}
		if _, ok := s.gameIndex[game.ID]; !ok {
			continue
		}
		candidates = append(candidates, ch)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ai, bi := s.gameIndex[a.CurrentGame().ID], s.gameIndex[b.CurrentGame().ID]
		if ai != bi {
			return ai < bi
		}
		if a.ACLBased != b.ACLBased {
			return a.ACLBased
		}
		if av, bv := a.Viewers(), b.Viewers(); av != bv {
			return av > bv
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// SetWatching flags the given channel as watched (and clears the flag
// everywhere else), pushing the change to the surface.
func (s *Service) SetWatching(target *model.Channel) {
	s.mu.RLock()
	for _, id := range s.order {
		ch := s.channels[id]
		ch.Mu.Lock()
		ch.Watching = target != nil && ch.ID == target.ID
		ch.Mu.Unlock()
	}
	s.mu.RUnlock()

	if target == nil {
		s.events.Publish(bus.EvChannelWatchingClear, nil)
		return
	}
	s.events.Publish(bus.EvChannelWatching, map[string]string{"id": target.ID})
}

// SelectManual pins a channel as the manual watch target.
func (s *Service) SelectManual(id string) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	if !ch.Online() {
		return nil, ErrChannelOffline
	}
	s.manualID = id
	return ch, nil
}

// ExitManualMode returns to automatic selection.
func (s *Service) ExitManualMode() {
	s.mu.Lock()
	s.manualID = ""
	s.mu.Unlock()
}

// ManualActive reports whether a manual selection is pinned.
func (s *Service) ManualActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualID != ""
}

// ManualChannel returns the pinned channel, or nil.
func (s *Service) ManualChannel() *model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manualID == "" {
		return nil
	}
	return s.channels[s.manualID]
}

// HandleStreamState processes stream-up/down/viewcount messages. It
// returns true when the transition warrants a watch re-selection.
func (s *Service) HandleStreamState(ctx context.Context, msg *model.Message) bool {
	ch := s.Get(msg.TargetID)
	if ch == nil {
		return false
	}

	switch msg.Type {
	case model.MsgTypeStreamUp:
		info, err := s.gqlc.GetStreamInfo(ctx, ch.Login)
		if err != nil {
			s.log.Warn("Failed to fetch stream info after stream-up",
				"channel", ch.Login, "error", err)
			return false
		}
		applyStreamInfo(ch, info)
		if ch.Online() {
			s.log.Event(ctx, model.EventChannelOnline, "Channel went online",
				"channel", ch.Login)
			s.events.Publish(bus.EvChannelUpdate, s.payload(ch))
			return true
		}
		return false

	case model.MsgTypeStreamDown:
		if ch.SetOffline() {
			s.log.Event(ctx, model.EventChannelOffline, "Channel went offline",
				"channel", ch.Login)
			s.events.Publish(bus.EvChannelUpdate, s.payload(ch))
			return true
		}
		return false

	case model.MsgTypeViewCount:
		ch.SetViewers(jsonutil.Int(msg.Data, "viewers"))
		s.events.Publish(bus.EvChannelUpdate, s.payload(ch))
		return false
	}
	return false
}

// HandleStreamUpdate processes broadcast settings changes (title/game).
// A game change warrants re-selection.
func (s *Service) HandleStreamUpdate(ctx context.Context, msg *model.Message) bool {
	ch := s.Get(msg.TargetID)
	if ch == nil || msg.Data == nil {
		return false
	}

	gameID := jsonutil.String(msg.Data, "game_id")
	gameName := jsonutil.String(msg.Data, "game")
	if gameID == "" {
		if id := jsonutil.Int(msg.Data, "game_id"); id != 0 {
			gameID = strconv.Itoa(id)
		}
	}

	ch.Mu.Lock()
	changed := ch.Game == nil || ch.Game.ID != gameID
	if changed && gameID != "" {
		ch.Game = &model.Game{ID: gameID, Name: gameName}
	}
	if title := jsonutil.String(msg.Data, "status"); title != "" && ch.Stream != nil {
		ch.Stream.Title = title
	}
	ch.Mu.Unlock()

	if changed {
		s.events.Publish(bus.EvChannelUpdate, s.payload(ch))
	}
	return changed
}

// Get returns a tracked channel by ID, or nil.
func (s *Service) Get(id string) *model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[id]
}

// All returns tracked channels in insertion order.
func (s *Service) All() []*model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Channel, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.channels[id])
	}
	return out
}

// Count returns how many channels are tracked.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Service) publishBatch() {
	all := s.All()
	payloads := make([]bus.ChannelPayload, 0, len(all))
	for _, ch := range all {
		payloads = append(payloads, s.payload(ch))
	}
	// The batch replaces the consumer's channel list wholesale.
	s.events.Publish(bus.EvChannelsClear, nil)
	s.events.Publish(bus.EvChannelsBatchUpdate, payloads)
}

func (s *Service) payload(ch *model.Channel) bus.ChannelPayload {
	ch.Mu.RLock()
	defer ch.Mu.RUnlock()

	p := bus.ChannelPayload{
		ID:       ch.ID,
		Name:     ch.Name,
		ACLBased: ch.ACLBased,
		Watching: ch.Watching,
	}
	if ch.Game != nil {
		p.Game = ch.Game.Name
		p.GameID = ch.Game.ID
		p.GameIcon = ch.Game.BoxArtURL
	}
	if ch.Stream != nil {
		p.Online = true
		p.Viewers = ch.Stream.Viewers
		p.DropsEnabled = ch.Stream.DropsEnabled
	}
	return p
}
