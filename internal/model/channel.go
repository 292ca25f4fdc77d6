package model

import (
	"fmt"
	"sync"
)

// Channel is a tracked broadcaster. A nil Stream means offline. The
// embedded mutex guards Stream, Game and the watching flag; identity
// fields are immutable after construction.
type Channel struct {
	Mu sync.RWMutex

	ID       string `json:"id"`
	Login    string `json:"login"`
	Name     string `json:"name"`
	ACLBased bool   `json:"acl_based"`

	Game     *Game   `json:"game,omitempty"`
	Stream   *Stream `json:"stream,omitempty"`
	Watching bool    `json:"watching"`
}

// NewChannel creates an offline channel.
func NewChannel(id, login, name string, aclBased bool) *Channel {
	return &Channel{ID: id, Login: login, Name: name, ACLBased: aclBased}
}

// Online reports whether the channel currently has a stream.
func (c *Channel) Online() bool {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Stream != nil
}

// Viewers returns the current viewer count, or -1 when offline. The -1
// keeps offline channels last in viewer-descending sorts.
func (c *Channel) Viewers() int {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	if c.Stream == nil {
		return -1
	}
	return c.Stream.Viewers
}

// CurrentGame returns the game being streamed, or nil when offline.
func (c *Channel) CurrentGame() *Game {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	if c.Stream == nil {
		return nil
	}
	return c.Game
}

// DropsEnabled reports whether the live stream has drops available.
func (c *Channel) DropsEnabled() bool {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Stream != nil && c.Stream.DropsEnabled
}

// SetOnline attaches a stream and its game to the channel.
func (c *Channel) SetOnline(stream *Stream, game *Game) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.Stream = stream
	c.Game = game
}

// SetOffline detaches the stream. Returns whether the channel was online.
func (c *Channel) SetOffline() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	wasOnline := c.Stream != nil
	c.Stream = nil
	c.Watching = false
	return wasOnline
}

// SetViewers updates the live viewer count; ignored while offline.
func (c *Channel) SetViewers(viewers int) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.Stream != nil {
		c.Stream.Viewers = viewers
	}
}

// SetBeaconURL refreshes the opaque heartbeat endpoint.
func (c *Channel) SetBeaconURL(url string) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.Stream != nil {
		c.Stream.BeaconURL = url
	}
}

// BeaconURL returns the current heartbeat endpoint, empty when offline.
func (c *Channel) BeaconURL() string {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	if c.Stream == nil {
		return ""
	}
	return c.Stream.BeaconURL
}

// BroadcastID returns the live broadcast identifier, empty when offline.
func (c *Channel) BroadcastID() string {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	if c.Stream == nil {
		return ""
	}
	return c.Stream.BroadcastID
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%s, id=%s)", c.Login, c.ID)
}
