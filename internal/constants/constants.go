// Package constants defines the Twitch API endpoints, client identifiers,
// GQL operation hashes, user-agent strings, pub-sub topic limits, and
// default timeout/interval values used throughout the agent.
package constants

import "time"

const (
	// TwitchURL is the base Twitch web URL.
	TwitchURL = "https://www.twitch.tv"
	// PubSubURL is the Twitch PubSub WebSocket endpoint.
	PubSubURL = "wss://pubsub-edge.twitch.tv/v1"
	// GQLURL is the Twitch GraphQL API endpoint.
	GQLURL = "https://gql.twitch.tv/gql"
	// DeviceCodeURL is the Twitch OAuth2 device code endpoint.
	DeviceCodeURL = "https://id.twitch.tv/oauth2/device"
	// TokenURL is the Twitch OAuth2 token endpoint.
	TokenURL = "https://id.twitch.tv/oauth2/token"
	// ValidateURL is the Twitch OAuth2 token validation endpoint.
	ValidateURL = "https://id.twitch.tv/oauth2/validate"
	// UsherURL is the HLS manifest base used when refreshing beacon data.
	UsherURL = "https://usher.ttvnw.net"
)

// DeviceCodeScopes are the OAuth scopes requested during device code
// authorization. Drops mining needs none.
const DeviceCodeScopes = ""

const (
	// ClientID presents the agent as the Android TV client.
	ClientID = "ue6666qo983tsx6so1t0vnawi233wa"
	// ClientIDMobile is the Twitch client ID for mobile browser clients.
	ClientIDMobile = "r8s4dac0uhzifbpu9sjdiwzctle17ff"
	// ClientIDAndroid is the Twitch client ID for the Android app.
	ClientIDAndroid = "kd1unb4b3q4t58fwlpcbzcbnm76a8fp"

	// DropsEnabledTagID identifies streams with Drops enabled in directory queries.
	DropsEnabledTagID = "c2542d6d-cd10-4532-919b-3d19f30a768b"
)

// DefaultUserAgent is the user-agent string used for API requests.
const DefaultUserAgent = "Mozilla/5.0 (Linux; Android 7.1; Smart Box C1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

const (
	// MaxTopicsPerConn is the maximum number of topics per PubSub WebSocket connection.
	MaxTopicsPerConn = 50
	// MaxPubSubConns is the maximum number of PubSub WebSocket connections.
	MaxPubSubConns = 8
	// TopicsPerChannel is how many topics a tracked channel occupies
	// (stream state + broadcast settings).
	TopicsPerChannel = 2
	// BaseTopics is the number of user-scoped topics held at all times.
	BaseTopics = 2
	// MaxChannels caps the working set of tracked channels.
	MaxChannels = (MaxPubSubConns*MaxTopicsPerConn - BaseTopics) / TopicsPerChannel
	// GQLBatchLimit is the maximum number of operations per batched GQL POST.
	GQLBatchLimit = 16
	// CampaignDetailChunk is how many campaign detail queries go into one batch.
	CampaignDetailChunk = 20
	// PreconditionDepthLimit caps drop precondition chain depth.
	PreconditionDepthLimit = 32
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 20 * time.Second
	// GQLTimeout is the timeout for GQL requests.
	GQLTimeout = 30 * time.Second
	// DefaultMaxRetries is the retry budget for transient request failures.
	DefaultMaxRetries = 5
	// PubSubPingInterval is the base interval between PubSub PING messages.
	PubSubPingInterval = 4 * time.Minute
	// PubSubPingJitter is the random spread applied to the PING interval.
	PubSubPingJitter = 30 * time.Second
	// PubSubPongTimeout is how long to wait for a PONG before reconnecting.
	PubSubPongTimeout = 10 * time.Second
	// WatchInterval is the base heartbeat interval, divided by connection quality.
	WatchInterval = 20 * time.Second
	// ProgressSilenceGrace is how long after a heartbeat interval the watch
	// service waits for an authoritative report before extrapolating.
	ProgressSilenceGrace = 20 * time.Second
	// InventoryRefreshFloor is the minimum allowed inventory re-fetch interval.
	InventoryRefreshFloor = 5 * time.Minute
	// DefaultInventoryRefresh is the default inventory re-fetch interval.
	DefaultInventoryRefresh = 30 * time.Minute
	// MaintenanceReloadInterval is the periodic full-reload cadence.
	MaintenanceReloadInterval = time.Hour
	// EndingSoonLead is how long before a wanted campaign ends that a
	// refresh is scheduled.
	EndingSoonLead = time.Minute
	// DefaultGracefulShutdownTimeout bounds control-surface shutdown.
	DefaultGracefulShutdownTimeout = 5 * time.Second
)

// GQLOperation represents a persisted GQL query with its operation name and
// SHA256 hash. Operations with a non-empty Query are sent inline instead.
type GQLOperation struct {
	OperationName string
	SHA256Hash    string
	Query         string
}

var (
	GQLInventory = GQLOperation{
		OperationName: "Inventory",
		SHA256Hash:    "d86775d0ef16a63a33ad52e80eaff963b2d5b72fada7c991504a57496e1d8e4b",
	}
	GQLViewerDropsDashboard = GQLOperation{
		OperationName: "ViewerDropsDashboard",
		SHA256Hash:    "5a4da2ab3d5b47c9f9ce864e727b2cb346af1e3ea8b897fe8f704a97ff017619",
	}
	GQLDropCampaignDetails = GQLOperation{
		OperationName: "DropCampaignDetails",
		SHA256Hash:    "f6396f5ffdde867a8f6f6da18286e4baf02e5b98d14689a69b5af320a4c7b7b8",
	}
	GQLDropsPageClaimDropRewards = GQLOperation{
		OperationName: "DropsPage_ClaimDropRewards",
		SHA256Hash:    "a455deea71bdc9015b78eb49f4acfbce8baa7ccbedd28e549bb025bd0f751930",
	}
	GQLDropCurrentSessionContext = GQLOperation{
		OperationName: "DropCurrentSessionContext",
		SHA256Hash:    "2e4b3630b91552eb05b76a94b6850eb25fe42263b7cf6d06bee6d156dd247c1c",
	}
	GQLVideoPlayerStreamInfoOverlayChannel = GQLOperation{
		OperationName: "VideoPlayerStreamInfoOverlayChannel",
		SHA256Hash:    "a5f2e34d626a9f4f5c0204f910bab2194948a9502089be558bb6e779a9e1b3d2",
	}
	GQLPlaybackAccessToken = GQLOperation{
		OperationName: "PlaybackAccessToken",
		SHA256Hash:    "3093517e37e4f4cb48906155bcd894150aef92617939236d2508f3375ab732ce",
	}
	GQLNotificationsDelete = GQLOperation{
		OperationName: "OnsiteNotifications_DeleteNotification",
		SHA256Hash:    "13d463c831f28ffcbe2b84471a71a58b9a35c240273bd642a2e1f320c4588903",
	}
	GQLDirectoryPageGame = GQLOperation{
		OperationName: "DirectoryPage_Game",
		Query:         `query DirectoryPage_Game($slug: String!, $first: Int!, $after: Cursor, $options: GameStreamOptions) { game(slug: $slug) { id displayName name streams(first: $first, after: $after, options: $options) { edges { node { id broadcaster { id login displayName } viewersCount title game { id name displayName slug } } cursor } pageInfo { hasNextPage } } } }`,
	}
)
