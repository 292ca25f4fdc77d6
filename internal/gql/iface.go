package gql

import (
	"context"
	"encoding/json"

	"github.com/arvell/drops-agent/internal/constants"
)

// Operations is the interface for all GQL query/mutation methods.
// *Client satisfies this interface.
type Operations interface {
	PostGQL(ctx context.Context, op constants.GQLOperation, vars map[string]any) (json.RawMessage, error)
	PostGQLBatch(ctx context.Context, ops []constants.GQLOperation, varsList []map[string]any) ([]json.RawMessage, error)

	GetInventory(ctx context.Context) (*InventoryData, error)
	GetDropsDashboard(ctx context.Context, status string) ([]CampaignData, error)
	GetCampaignDetails(ctx context.Context, campaignIDs []string, userLogin string) ([]CampaignData, error)
	ClaimDropRewards(ctx context.Context, dropInstanceID string) (bool, error)
	GetCurrentDrop(ctx context.Context, channelID string) (*CurrentDropData, error)
	GetStreamInfo(ctx context.Context, channelLogin string) (*StreamInfoResponse, error)
	GetStreamInfoBatch(ctx context.Context, logins []string) (map[string]*StreamInfoResponse, error)
	GetPlaybackAccessToken(ctx context.Context, login string) (*PlaybackAccessToken, error)
	GetTopStreamsByCategory(ctx context.Context, categorySlug string, limit int, dropsOnly bool) ([]TopStream, error)
	DeleteNotification(ctx context.Context, notificationID string) error
}
