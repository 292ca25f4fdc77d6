package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arvell/drops-agent/internal/model"
)

// InventoryFilters are UI-side filters persisted verbatim.
type InventoryFilters struct {
	GameNameSearch   []string `json:"game_name_search"`
	ShowActive       bool     `json:"show_active"`
	ShowBenefitBadge bool     `json:"show_benefit_badge"`
	ShowBenefitEmote bool     `json:"show_benefit_emote"`
	ShowBenefitItem  bool     `json:"show_benefit_item"`
	ShowBenefitOther bool     `json:"show_benefit_other"`
	ShowExpired      bool     `json:"show_expired"`
	ShowFinished     bool     `json:"show_finished"`
	ShowNotLinked    bool     `json:"show_not_linked"`
	ShowUpcoming     bool     `json:"show_upcoming"`
}

// Settings is the persisted user configuration (settings.json).
type Settings struct {
	GamesToWatch          []string                   `json:"games_to_watch"`
	Language              string                     `json:"language"`
	DarkMode              bool                       `json:"dark_mode"`
	ConnectionQuality     int                        `json:"connection_quality"`
	MinimumRefreshMinutes int                        `json:"minimum_refresh_interval_minutes"`
	Proxy                 string                     `json:"proxy"`
	InventoryFilters      InventoryFilters           `json:"inventory_filters"`
	MiningBenefits        map[model.BenefitType]bool `json:"mining_benefits"`
}

// Defaults returns the settings used when no file exists.
func Defaults() Settings {
	return Settings{
		GamesToWatch:          []string{},
		Language:              "English",
		ConnectionQuality:     1,
		MinimumRefreshMinutes: 30,
		InventoryFilters: InventoryFilters{
			GameNameSearch:   []string{},
			ShowBenefitBadge: true,
			ShowBenefitEmote: true,
			ShowBenefitItem:  true,
			ShowBenefitOther: true,
			ShowNotLinked:    true,
			ShowUpcoming:     true,
		},
		MiningBenefits: map[model.BenefitType]bool{
			model.BenefitItem:  true,
			model.BenefitBadge: true,
			model.BenefitEmote: true,
			model.BenefitOther: true,
		},
	}
}

// normalize clamps values into their valid ranges.
func (s *Settings) normalize() {
	if s.ConnectionQuality < 1 {
		s.ConnectionQuality = 1
	} else if s.ConnectionQuality > 6 {
		s.ConnectionQuality = 6
	}
	if s.MinimumRefreshMinutes < 5 {
		s.MinimumRefreshMinutes = 5
	}
	if s.GamesToWatch == nil {
		s.GamesToWatch = []string{}
	}
	if s.MiningBenefits == nil {
		s.MiningBenefits = Defaults().MiningBenefits
	}
}

// Store guards the settings for concurrent access from the control surface
// and the services, and persists them to settings.json.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Settings
}

// NewStore loads settings from path, falling back to defaults when the
// file is absent. A malformed file is an error, not silently replaced.
func NewStore(path string) (*Store, error) {
	st := &Store{path: path, cur: Defaults()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			st.cur.normalize()
			return st, nil
		}
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &st.cur); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	st.cur.normalize()
	return st, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// Patch merges a JSON object into the current settings, persists the
// result, and returns the updated copy. Unknown keys are ignored.
func (s *Store) Patch(patch []byte) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cur.clone()
	if err := json.Unmarshal(patch, &updated); err != nil {
		return Settings{}, fmt.Errorf("applying settings patch: %w", err)
	}
	updated.normalize()
	s.cur = updated

	if err := s.saveLocked(); err != nil {
		return Settings{}, err
	}
	return s.cur.clone(), nil
}

// Save persists the current settings.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

// saveLocked writes atomically via tmp+rename, matching the cookie jar.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp settings file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming temp settings file: %w", err)
	}
	return nil
}

func (s Settings) clone() Settings {
	out := s
	out.GamesToWatch = append([]string(nil), s.GamesToWatch...)
	out.InventoryFilters.GameNameSearch = append([]string(nil), s.InventoryFilters.GameNameSearch...)
	out.MiningBenefits = make(map[model.BenefitType]bool, len(s.MiningBenefits))
	for k, v := range s.MiningBenefits {
		out.MiningBenefits[k] = v
	}
	return out
}
