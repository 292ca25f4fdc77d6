package bus

// Outbound event names pushed to the external surface.
const (
	EvStatusUpdate         = "status_update"
	EvConsoleOutput        = "console_output"
	EvChannelAdd           = "channel_add"
	EvChannelUpdate        = "channel_update"
	EvChannelRemove        = "channel_remove"
	EvChannelsBatchUpdate  = "channels_batch_update"
	EvChannelsClear        = "channels_clear"
	EvChannelWatching      = "channel_watching"
	EvChannelWatchingClear = "channel_watching_clear"
	EvCampaignAdd          = "campaign_add"
	EvInventoryBatchUpdate = "inventory_batch_update"
	EvInventoryClear       = "inventory_clear"
	EvDropUpdate           = "drop_update"
	EvDropProgress         = "drop_progress"
	EvDropProgressStop     = "drop_progress_stop"
	EvLoginRequired        = "login_required"
	EvOAuthCodeRequired    = "oauth_code_required"
	EvLoginStatus          = "login_status"
	EvSettingsUpdated      = "settings_updated"
	EvGamesAvailable       = "games_available"
	EvManualModeUpdate     = "manual_mode_update"
	EvWantedItemsUpdate    = "wanted_items_update"
	EvThemeChange          = "theme_change"
)

// ChannelPayload is the wire shape for channel_add/update/remove and the
// entries of channels_batch_update.
type ChannelPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Game         string `json:"game"`
	GameID       string `json:"game_id"`
	GameIcon     string `json:"game_icon"`
	Viewers      int    `json:"viewers"`
	Online       bool   `json:"online"`
	DropsEnabled bool   `json:"drops_enabled"`
	ACLBased     bool   `json:"acl_based"`
	Watching     bool   `json:"watching"`
}

// DropProgressPayload is the wire shape for drop_progress.
type DropProgressPayload struct {
	DropID           string  `json:"drop_id"`
	CampaignID       string  `json:"campaign_id"`
	CampaignName     string  `json:"campaign_name"`
	GameName         string  `json:"game_name"`
	DropName         string  `json:"drop_name"`
	CurrentMinutes   int     `json:"current_minutes"`
	RequiredMinutes  int     `json:"required_minutes"`
	Progress         float64 `json:"progress"`
	RemainingSeconds int     `json:"remaining_seconds"`
}

// OAuthCodePayload is the wire shape for oauth_code_required.
type OAuthCodePayload struct {
	URL  string `json:"url"`
	Code string `json:"code"`
}

// ManualModePayload is the wire shape for manual_mode_update.
type ManualModePayload struct {
	Active   bool   `json:"active"`
	GameName string `json:"game_name"`
}
