package core

// State names the phase the refresh cycle is in. The machine runs one
// linear pass per trigger and returns to idle; triggers that arrive while
// a pass is running coalesce into a single pending re-run.
type State string

const (
	StateIdle            State = "IDLE"
	StateInventoryFetch  State = "INVENTORY_FETCH"
	StateGamesUpdate     State = "GAMES_UPDATE"
	StateChannelsCleanup State = "CHANNELS_CLEANUP"
	StateChannelsFetch   State = "CHANNELS_FETCH"
	StateChannelSwitch   State = "CHANNEL_SWITCH"
	StateExit            State = "EXIT"
)

func (s State) String() string { return string(s) }
