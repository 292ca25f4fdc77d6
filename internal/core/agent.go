// Package core wires the agent together and runs the refresh state
// machine: authentication, the pub-sub pool, the inventory, channel and
// watch services, and the periodic maintenance that keeps them current.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/arvell/drops-agent/internal/auth"
	"github.com/arvell/drops-agent/internal/bus"
	"github.com/arvell/drops-agent/internal/channels"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/gql"
	"github.com/arvell/drops-agent/internal/httpx"
	"github.com/arvell/drops-agent/internal/inventory"
	"github.com/arvell/drops-agent/internal/logger"
	"github.com/arvell/drops-agent/internal/model"
	"github.com/arvell/drops-agent/internal/settings"
	"github.com/arvell/drops-agent/internal/watch"
	"github.com/arvell/drops-agent/internal/ws"
)

// Agent owns the full mining lifecycle for one account. It implements
// [ws.MessageHandler] so the pub-sub pool routes messages straight to it.
type Agent struct {
	cfg      *settings.AppConfig
	store    *settings.Store
	log      *logger.Logger
	events   *bus.Bus
	clock    clockwork.Clock

	authn    *auth.Authenticator
	httpc    *httpx.Client
	gqlc     gql.Operations
	pool     *ws.Pool
	inv      *inventory.Service
	channels *channels.Service
	watcher  *watch.Service

	stateMu sync.RWMutex
	state   State

	trigger  chan struct{} // coalesced full-cycle requests
	reselect chan struct{} // coalesced watch-target re-evaluations

	cycleMu   sync.Mutex
	lastCycle time.Time
}

// New builds an Agent and all its services.
func New(cfg *settings.AppConfig, store *settings.Store, paths settings.Paths, events *bus.Bus, clock clockwork.Clock, log *logger.Logger) (*Agent, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	a := &Agent{
		cfg:      cfg,
		store:    store,
		log:      log,
		events:   events,
		clock:    clock,
		state:    StateIdle,
		trigger:  make(chan struct{}, 1),
		reselect: make(chan struct{}, 1),
	}

	httpc, err := httpx.NewClient(log, store.Get().Proxy)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP client: %w", err)
	}
	a.httpc = httpc

	prompt := func(uri, code string) {
		events.Publish(bus.EvOAuthCodeRequired, bus.OAuthCodePayload{URL: uri, Code: code})
	}
	a.authn = auth.NewAuthenticator(paths.CookiesFile, httpc.HTTPClient(), prompt, log)

	a.gqlc = gql.NewClient(httpc.HTTPClient(), a.authn, log)
	a.pool = ws.NewPool(a.authn, log, a)
	a.inv = inventory.NewService(a.gqlc, store, events, clock, a.authn.Username, log)
	a.channels = channels.NewService(a.gqlc, a.pool, events, log)
	a.watcher = watch.NewService(a.gqlc, httpc.HTTPClient(), a.inv, store, events, log, clock, a.askReselect)

	return a, nil
}

// Channels exposes the channel service to the control surface.
func (a *Agent) Channels() *channels.Service { return a.channels }

// Inventory exposes the inventory service to the control surface.
func (a *Agent) Inventory() *inventory.Service { return a.inv }

// Watcher exposes the watch service to the control surface.
func (a *Agent) Watcher() *watch.Service { return a.watcher }

// State returns the current machine state.
func (a *Agent) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
	a.events.Publish(bus.EvStatusUpdate, map[string]string{"status": string(s)})
}

// Run performs login, subscribes the user topics, and drives the service
// goroutines until the context is cancelled or a fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.authn.Login(ctx); err != nil {
		if errors.Is(err, auth.ErrLoginRequired) {
			a.events.Publish(bus.EvLoginRequired, nil)
			a.log.Event(ctx, model.EventLoginRequired, "Login required")
		}
		if errors.Is(err, auth.ErrCaptchaRequired) {
			a.events.Publish(bus.EvLoginRequired, nil)
			return fmt.Errorf("%w: %v", ErrCaptchaRequired, err)
		}
		return fmt.Errorf("%w: %v", ErrLogin, err)
	}
	a.events.Publish(bus.EvLoginStatus, map[string]any{
		"logged_in": true,
		"username":  a.authn.Username(),
	})
	a.log.Info("Logged in", "user", a.authn.Username())

	userID := a.authn.UserID()
	userTopics := []model.Topic{
		model.NewUserTopic(model.TopicUserDrops, userID),
		model.NewUserTopic(model.TopicUserNotifications, userID),
	}
	if err := a.pool.Subscribe(ctx, userTopics); err != nil {
		return fmt.Errorf("subscribing user topics: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.pool.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrWebsocketClosed, err)
		}
		return ctx.Err()
	})
	g.Go(func() error { return a.watcher.Run(ctx) })
	g.Go(func() error { return a.runStateMachine(ctx) })
	g.Go(func() error { return a.runMaintenance(ctx) })

	a.Trigger()

	err := g.Wait()
	a.setState(StateExit)
	a.pool.Close()
	return err
}

// Trigger queues a full refresh cycle. Multiple triggers while a cycle is
// running collapse into one pending re-run.
func (a *Agent) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

func (a *Agent) askReselect() {
	select {
	case a.reselect <- struct{}{}:
	default:
	}
}

func (a *Agent) runStateMachine(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.trigger:
			a.runCycle(ctx)
		case <-a.reselect:
			a.switchChannel(ctx)
		}
	}
}

// runCycle is one linear pass of the refresh machine.
func (a *Agent) runCycle(ctx context.Context) {
	a.cycleMu.Lock()
	a.lastCycle = a.clock.Now()
	a.cycleMu.Unlock()

	// A failed fetch leaves the campaign snapshot stale; rebuilding the
	// channel list from it would tear down valid subscriptions, so the
	// cycle goes back to idle and waits for the next trigger.
	a.setState(StateInventoryFetch)
	if err := a.inv.Fetch(ctx); err != nil {
		a.log.Warn("Inventory fetch failed, keeping previous channel state", "error", err)
		a.setState(StateIdle)
		return
	}

	a.setState(StateGamesUpdate)
	wanted := a.inv.WantedGames()
	a.channels.SetWantedGames(wanted)

	a.setState(StateChannelsCleanup)
	a.channels.Cleanup(ctx)

	a.setState(StateChannelsFetch)
	a.channels.Fetch(ctx, a.inv.Campaigns())

	a.setState(StateChannelSwitch)
	a.switchChannel(ctx)

	a.setState(StateIdle)
}

// switchChannel re-evaluates the watch target. Manual selections are
// honored by the channel service itself.
func (a *Agent) switchChannel(ctx context.Context) {
	target := a.channels.Select()
	current := a.watcher.Target()
	if target == nil && current == nil {
		return
	}
	if target != nil && current != nil && target.ID == current.ID {
		return
	}
	a.channels.SetWatching(target)
	a.watcher.SetTarget(ctx, target)
}

// runMaintenance wakes once a minute and queues a refresh when the hourly
// reload elapses or a campaign window boundary (including the lead-in
// before a wanted campaign ends) passes.
func (a *Agent) runMaintenance(ctx context.Context) error {
	ticker := a.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		now := a.clock.Now()
		a.cycleMu.Lock()
		last := a.lastCycle
		a.cycleMu.Unlock()
		if now.Sub(last) >= constants.MaintenanceReloadInterval {
			a.log.Event(ctx, model.EventMaintenance, "Periodic refresh")
			a.Trigger()
			continue
		}

		next := a.inv.NextTimeTrigger(now)
		if !next.IsZero() && !now.Before(next.Add(-constants.EndingSoonLead)) {
			a.log.Event(ctx, model.EventMaintenance, "Campaign window boundary refresh")
			a.Trigger()
		}
	}
}

// HandlePubSubMessage implements [ws.MessageHandler].
func (a *Agent) HandlePubSubMessage(ctx context.Context, msg *model.Message) {
	kind, ok := msg.Kind()
	if !ok {
		return
	}

	switch kind {
	case model.TopicUserDrops:
		switch msg.Type {
		case model.MsgTypeDropProgress:
			a.watcher.HandleDropProgress(ctx, msg)
		case model.MsgTypeDropClaim:
			a.watcher.HandleDropClaim(ctx, msg)
		}

	case model.TopicUserNotifications:
		a.handleNotification(ctx, msg)

	case model.TopicStreamState:
		if a.channels.HandleStreamState(ctx, msg) {
			a.askReselect()
		}

	case model.TopicStreamUpdate:
		if a.channels.HandleStreamUpdate(ctx, msg) {
			a.askReselect()
		}
	}
}

// handleNotification clears drop reminder notifications and uses them as a
// hint that the inventory changed.
func (a *Agent) handleNotification(ctx context.Context, msg *model.Message) {
	if msg.Type != model.MsgTypeCreateNotification || msg.Data == nil {
		return
	}
	notif, _ := msg.Data["notification"].(map[string]any)
	if notif == nil {
		return
	}
	notifType, _ := notif["type"].(string)
	if !strings.Contains(notifType, "drop") {
		return
	}
	if id, _ := notif["id"].(string); id != "" {
		if err := a.gqlc.DeleteNotification(ctx, id); err != nil {
			a.log.Debug("Failed to delete notification", "error", err)
		}
	}
	a.Trigger()
}

// SelectChannel pins a channel as the manual watch target.
func (a *Agent) SelectChannel(ctx context.Context, channelID string) error {
	ch, err := a.channels.SelectManual(channelID)
	if err != nil {
		return err
	}
	gameName := ""
	if g := ch.CurrentGame(); g != nil {
		gameName = g.Name
	}
	a.log.Event(ctx, model.EventManualMode, "Manual mode enabled", "channel", ch.Login)
	a.events.Publish(bus.EvManualModeUpdate, bus.ManualModePayload{
		Active:   true,
		GameName: gameName,
	})
	a.askReselect()
	return nil
}

// ExitManualMode returns to automatic channel selection.
func (a *Agent) ExitManualMode(ctx context.Context) {
	a.channels.ExitManualMode()
	a.log.Event(ctx, model.EventManualMode, "Manual mode disabled")
	a.events.Publish(bus.EvManualModeUpdate, bus.ManualModePayload{Active: false})
	a.askReselect()
}

// Reload queues a full refresh cycle on user request.
func (a *Agent) Reload() {
	a.Trigger()
}

// UpdateSettings merges a JSON patch into the persisted settings and
// queues a refresh so the new preferences take effect. A proxy change is
// applied to the live HTTP transport immediately.
func (a *Agent) UpdateSettings(patch json.RawMessage) (settings.Settings, error) {
	prevProxy := a.store.Get().Proxy
	updated, err := a.store.Patch(patch)
	if err != nil {
		return settings.Settings{}, err
	}
	if updated.Proxy != prevProxy {
		if err := a.httpc.SetProxy(updated.Proxy); err != nil {
			a.log.Warn("Failed to apply proxy from settings", "error", err)
		} else {
			a.log.Info("Proxy updated", "proxy", updated.Proxy)
		}
	}
	a.events.Publish(bus.EvSettingsUpdated, updated)
	a.events.Publish(bus.EvThemeChange, map[string]bool{"dark_mode": updated.DarkMode})
	a.Trigger()
	return updated, nil
}

// VerifyProxy checks that the given proxy URL can reach Twitch.
func (a *Agent) VerifyProxy(ctx context.Context, proxyURL string) error {
	return httpx.VerifyProxy(ctx, proxyURL)
}

// Username returns the authenticated login, empty before login.
func (a *Agent) Username() string { return a.authn.Username() }
