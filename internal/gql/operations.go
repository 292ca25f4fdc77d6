package gql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arvell/drops-agent/internal/constants"
)

// GameData is the GQL game response shape.
type GameData struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Slug        string `json:"slug"`
	BoxArtURL   string `json:"boxArtURL"`
}

// BenefitData is a single reward attached to a time-based drop.
type BenefitData struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ImageAssetURL    string `json:"imageAssetURL"`
	DistributionType string `json:"distributionType"`
}

// TimeBasedDropData is the GQL shape of a time-based drop within a campaign.
type TimeBasedDropData struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	StartAt      time.Time `json:"startAt"`
	EndAt        time.Time `json:"endAt"`
	BenefitEdges []struct {
		Benefit BenefitData `json:"benefit"`
	} `json:"benefitEdges"`
	PreconditionDrops []struct {
		ID string `json:"id"`
	} `json:"preconditionDrops"`
	RequiredMinutesWatched int `json:"requiredMinutesWatched"`
	Self                   struct {
		CurrentMinutesWatched int    `json:"currentMinutesWatched"`
		IsClaimed             bool   `json:"isClaimed"`
		DropInstanceID        string `json:"dropInstanceID"`
		HasPreconditionsMet   bool   `json:"hasPreconditionsMet"`
	} `json:"self"`
}

// CampaignData is the GQL shape of a drop campaign, shared by the
// inventory and campaign-details responses.
type CampaignData struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Game     *GameData `json:"game"`
	Status   string    `json:"status"`
	StartAt  time.Time `json:"startAt"`
	EndAt    time.Time `json:"endAt"`
	DetailsURL string  `json:"detailsURL"`
	Self     struct {
		IsAccountConnected bool `json:"isAccountConnected"`
	} `json:"self"`
	Allow *struct {
		IsEnabled bool `json:"isEnabled"`
		Channels  []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"channels"`
	} `json:"allow"`
	TimeBasedDrops []TimeBasedDropData `json:"timeBasedDrops"`
}

// ClaimedBenefitData records an already-awarded benefit from the inventory.
type ClaimedBenefitData struct {
	ID            string    `json:"id"`
	LastAwardedAt time.Time `json:"lastAwardedAt"`
}

// InventoryData is the parsed Inventory response.
type InventoryData struct {
	CampaignsInProgress []CampaignData
	ClaimedBenefits     []ClaimedBenefitData
}

// CurrentDropData is the parsed DropCurrentSessionContext response.
type CurrentDropData struct {
	DropID                 string
	CurrentMinutesWatched  int
	RequiredMinutesWatched int
	ChannelID              string
}

// PlaybackAccessToken holds the signature and token needed for HLS manifest access.
type PlaybackAccessToken struct {
	Signature string `json:"signature"`
	Value     string `json:"value"`
}

// StreamInfoResponse holds parsed stream info from the GQL API.
type StreamInfoResponse struct {
	BroadcastID  string
	Title        string
	Game         *GameData
	ViewersCount int
	TagIDs       []string
}

// HasDropsTag reports whether the stream carries the Drops Enabled tag.
func (s *StreamInfoResponse) HasDropsTag() bool {
	for _, id := range s.TagIDs {
		if id == constants.DropsEnabledTagID {
			return true
		}
	}
	return false
}

// TopStream holds information about a stream returned by the DirectoryPage_Game query.
type TopStream struct {
	BroadcastID  string
	Login        string
	ChannelID    string
	DisplayName  string
	Title        string
	ViewersCount int
	Game         *GameData
}

// GetInventory fetches the user's drop inventory: campaigns currently in
// progress plus the already-awarded benefits.
func (c *Client) GetInventory(ctx context.Context) (*InventoryData, error) {
	vars := map[string]any{"fetchRewardCampaigns": false}
	data, err := c.PostGQL(ctx, constants.GQLInventory, vars)
	if err != nil {
		return nil, fmt.Errorf("GetInventory: %w", err)
	}

	var resp struct {
		CurrentUser *struct {
			Inventory struct {
				DropCampaignsInProgress []CampaignData       `json:"dropCampaignsInProgress"`
				GameEventDrops          []ClaimedBenefitData `json:"gameEventDrops"`
			} `json:"inventory"`
		} `json:"currentUser"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing GetInventory response: %w", err)
	}

	if resp.CurrentUser == nil {
		return &InventoryData{}, nil
	}

	return &InventoryData{
		CampaignsInProgress: resp.CurrentUser.Inventory.DropCampaignsInProgress,
		ClaimedBenefits:     resp.CurrentUser.Inventory.GameEventDrops,
	}, nil
}

// GetDropsDashboard fetches the full campaign list from the viewer
// dashboard. If status is non-empty, only campaigns with that status are
// returned.
func (c *Client) GetDropsDashboard(ctx context.Context, status string) ([]CampaignData, error) {
	data, err := c.PostGQL(ctx, constants.GQLViewerDropsDashboard, nil)
	if err != nil {
		return nil, fmt.Errorf("GetDropsDashboard: %w", err)
	}

	var resp struct {
		CurrentUser *struct {
			DropCampaigns []CampaignData `json:"dropCampaigns"`
		} `json:"currentUser"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing GetDropsDashboard response: %w", err)
	}

	if resp.CurrentUser == nil {
		return nil, nil
	}

	campaigns := resp.CurrentUser.DropCampaigns
	if status == "" {
		return campaigns, nil
	}

	filtered := campaigns[:0:0]
	for _, campaign := range campaigns {
		if campaign.Status == status {
			filtered = append(filtered, campaign)
		}
	}
	return filtered, nil
}

// GetCampaignDetails fetches detailed campaign data (ACLs and time-based
// drops) for the given campaign IDs, batched in chunks.
func (c *Client) GetCampaignDetails(ctx context.Context, campaignIDs []string, userLogin string) ([]CampaignData, error) {
	var results []CampaignData

	for i := 0; i < len(campaignIDs); i += constants.CampaignDetailChunk {
		end := i + constants.CampaignDetailChunk
		if end > len(campaignIDs) {
			end = len(campaignIDs)
		}
		chunk := campaignIDs[i:end]

		ops := make([]constants.GQLOperation, len(chunk))
		varsList := make([]map[string]any, len(chunk))
		for j, id := range chunk {
			ops[j] = constants.GQLDropCampaignDetails
			varsList[j] = map[string]any{
				"dropID":       id,
				"channelLogin": userLogin,
			}
		}

		batchResults, err := c.PostGQLBatch(ctx, ops, varsList)
		if err != nil {
			c.log.Warn("Failed to fetch campaign details batch", "error", err)
			continue
		}

		for _, data := range batchResults {
			if data == nil {
				continue
			}
			var resp struct {
				User *struct {
					DropCampaign *CampaignData `json:"dropCampaign"`
				} `json:"user"`
			}
			if err := json.Unmarshal(data, &resp); err == nil && resp.User != nil && resp.User.DropCampaign != nil {
				results = append(results, *resp.User.DropCampaign)
			}
		}

		if end < len(campaignIDs) {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	return results, nil
}

// ClaimDropRewards claims a drop reward by its instance ID. It returns
// true when the drop ends up claimed, including the already-claimed case.
func (c *Client) ClaimDropRewards(ctx context.Context, dropInstanceID string) (bool, error) {
	vars := map[string]any{
		"input": map[string]any{
			"dropInstanceID": dropInstanceID,
		},
	}

	data, err := c.PostGQL(ctx, constants.GQLDropsPageClaimDropRewards, vars)
	if err != nil {
		return false, fmt.Errorf("ClaimDropRewards: %w", err)
	}

	var resp struct {
		ClaimDropRewards *struct {
			Status string `json:"status"`
		} `json:"claimDropRewards"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("parsing ClaimDropRewards response: %w", err)
	}

	if resp.ClaimDropRewards == nil {
		return false, nil
	}

	switch resp.ClaimDropRewards.Status {
	case "ELIGIBLE_FOR_ALL", "DROP_INSTANCE_ALREADY_CLAIMED":
		return true, nil
	default:
		return false, nil
	}
}

// GetCurrentDrop fetches the drop session context for a channel: which
// drop the platform credits right now and how far along it is.
// Returns nil when no drop session is active.
func (c *Client) GetCurrentDrop(ctx context.Context, channelID string) (*CurrentDropData, error) {
	vars := map[string]any{"channelID": channelID}
	data, err := c.PostGQL(ctx, constants.GQLDropCurrentSessionContext, vars)
	if err != nil {
		return nil, fmt.Errorf("GetCurrentDrop for channel %s: %w", channelID, err)
	}

	var resp struct {
		CurrentUser *struct {
			DropCurrentSession *struct {
				DropID                 string `json:"dropID"`
				CurrentMinutesWatched  int    `json:"currentMinutesWatched"`
				RequiredMinutesWatched int    `json:"requiredMinutesWatched"`
				Channel                *struct {
					ID string `json:"id"`
				} `json:"channel"`
			} `json:"dropCurrentSession"`
		} `json:"currentUser"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing GetCurrentDrop response: %w", err)
	}

	if resp.CurrentUser == nil || resp.CurrentUser.DropCurrentSession == nil {
		return nil, nil
	}

	session := resp.CurrentUser.DropCurrentSession
	result := &CurrentDropData{
		DropID:                 session.DropID,
		CurrentMinutesWatched:  session.CurrentMinutesWatched,
		RequiredMinutesWatched: session.RequiredMinutesWatched,
	}
	if session.Channel != nil {
		result.ChannelID = session.Channel.ID
	}
	return result, nil
}

// GetStreamInfo fetches stream information for a channel.
// Returns nil if the channel is offline.
func (c *Client) GetStreamInfo(ctx context.Context, channelLogin string) (*StreamInfoResponse, error) {
	vars := map[string]any{"channel": channelLogin}
	data, err := c.PostGQL(ctx, constants.GQLVideoPlayerStreamInfoOverlayChannel, vars)
	if err != nil {
		return nil, fmt.Errorf("GetStreamInfo for %s: %w", channelLogin, err)
	}
	return parseStreamInfo(data)
}

// GetStreamInfoBatch fetches stream info for multiple channels in batched
// requests. The result maps login to info; offline channels map to nil.
func (c *Client) GetStreamInfoBatch(ctx context.Context, logins []string) (map[string]*StreamInfoResponse, error) {
	results := make(map[string]*StreamInfoResponse, len(logins))

	ops := make([]constants.GQLOperation, len(logins))
	varsList := make([]map[string]any, len(logins))
	for i, login := range logins {
		ops[i] = constants.GQLVideoPlayerStreamInfoOverlayChannel
		varsList[i] = map[string]any{"channel": login}
	}

	batchResults, err := c.PostGQLBatch(ctx, ops, varsList)
	if err != nil {
		return nil, fmt.Errorf("GetStreamInfoBatch: %w", err)
	}

	for i, data := range batchResults {
		if i >= len(logins) {
			break
		}
		if data == nil {
			results[logins[i]] = nil
			continue
		}
		info, err := parseStreamInfo(data)
		if err != nil {
			c.log.Debug("Failed to parse stream info in batch",
				"channel", logins[i], "error", err)
			continue
		}
		results[logins[i]] = info
	}

	return results, nil
}

func parseStreamInfo(data json.RawMessage) (*StreamInfoResponse, error) {
	var resp struct {
		User *struct {
			Stream *struct {
				ID           string `json:"id"`
				ViewersCount int    `json:"viewersCount"`
				Tags         []struct {
					ID string `json:"id"`
				} `json:"tags"`
			} `json:"stream"`
			BroadcastSettings struct {
				Title string    `json:"title"`
				Game  *GameData `json:"game"`
			} `json:"broadcastSettings"`
		} `json:"user"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing stream info response: %w", err)
	}

	if resp.User == nil || resp.User.Stream == nil {
		return nil, nil // channel is offline
	}

	info := &StreamInfoResponse{
		BroadcastID:  resp.User.Stream.ID,
		Title:        resp.User.BroadcastSettings.Title,
		Game:         resp.User.BroadcastSettings.Game,
		ViewersCount: resp.User.Stream.ViewersCount,
	}
	for _, tag := range resp.User.Stream.Tags {
		info.TagIDs = append(info.TagIDs, tag.ID)
	}
	return info, nil
}

// GetPlaybackAccessToken fetches the playback access token for a live stream.
func (c *Client) GetPlaybackAccessToken(ctx context.Context, login string) (*PlaybackAccessToken, error) {
	vars := map[string]any{
		"login":      login,
		"isLive":     true,
		"isVod":      false,
		"vodID":      "",
		"playerType": "site",
	}

	data, err := c.PostGQL(ctx, constants.GQLPlaybackAccessToken, vars)
	if err != nil {
		return nil, fmt.Errorf("GetPlaybackAccessToken for %s: %w", login, err)
	}

	var resp struct {
		StreamPlaybackAccessToken *PlaybackAccessToken `json:"streamPlaybackAccessToken"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing GetPlaybackAccessToken response: %w", err)
	}

	if resp.StreamPlaybackAccessToken == nil {
		return nil, fmt.Errorf("no playback access token for %s (stream may be offline)", login)
	}

	return resp.StreamPlaybackAccessToken, nil
}

// GetTopStreamsByCategory fetches top live streams for a game category,
// sorted by viewer count. With dropsOnly the directory is filtered to
// streams with Drops enabled.
func (c *Client) GetTopStreamsByCategory(ctx context.Context, categorySlug string, limit int, dropsOnly bool) ([]TopStream, error) {
	vars := map[string]any{
		"slug":  categorySlug,
		"first": limit,
	}
	if dropsOnly {
		vars["options"] = map[string]any{
			"includeRestricted": []string{"SUB_ONLY_LIVE"},
			"systemFilters":     []string{"DROPS_ENABLED"},
		}
	}

	data, err := c.PostGQL(ctx, constants.GQLDirectoryPageGame, vars)
	if err != nil {
		return nil, fmt.Errorf("GetTopStreamsByCategory for %s: %w", categorySlug, err)
	}

	var resp struct {
		Game *struct {
			Streams struct {
				Edges []struct {
					Node struct {
						ID          string `json:"id"`
						Title       string `json:"title"`
						Broadcaster struct {
							ID          string `json:"id"`
							Login       string `json:"login"`
							DisplayName string `json:"displayName"`
						} `json:"broadcaster"`
						ViewersCount int       `json:"viewersCount"`
						Game         *GameData `json:"game"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"streams"`
		} `json:"game"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing GetTopStreamsByCategory response: %w", err)
	}

	if resp.Game == nil {
		return nil, fmt.Errorf("category %s not found", categorySlug)
	}

	streams := make([]TopStream, 0, len(resp.Game.Streams.Edges))
	for _, edge := range resp.Game.Streams.Edges {
		node := edge.Node
		if node.Broadcaster.ID == "" {
			continue
		}
		streams = append(streams, TopStream{
			BroadcastID:  node.ID,
			Login:        node.Broadcaster.Login,
			ChannelID:    node.Broadcaster.ID,
			DisplayName:  node.Broadcaster.DisplayName,
			Title:        node.Title,
			ViewersCount: node.ViewersCount,
			Game:         node.Game,
		})
	}

	return streams, nil
}

// DeleteNotification removes an on-site notification by its ID.
func (c *Client) DeleteNotification(ctx context.Context, notificationID string) error {
	vars := map[string]any{
		"input": map[string]any{
			"id": notificationID,
		},
	}

	_, err := c.PostGQL(ctx, constants.GQLNotificationsDelete, vars)
	if err != nil {
		return fmt.Errorf("DeleteNotification: %w", err)
	}
	return nil
}
