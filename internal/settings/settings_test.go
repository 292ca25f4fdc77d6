package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvell/drops-agent/internal/model"
)

func TestNewStoreMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	st, err := NewStore(path)
	require.NoError(t, err)

	got := st.Get()
	assert.Equal(t, 1, got.ConnectionQuality)
	assert.Equal(t, 30, got.MinimumRefreshMinutes)
	assert.True(t, got.MiningBenefits[model.BenefitItem])

	// Nothing written until a save happens.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNewStoreMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewStore(path)
	assert.Error(t, err)
}

func TestNewStoreClampsLoadedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"connection_quality":99,"minimum_refresh_interval_minutes":1}`), 0o644))

	st, err := NewStore(path)
	require.NoError(t, err)

	got := st.Get()
	assert.Equal(t, 6, got.ConnectionQuality)
	assert.Equal(t, 5, got.MinimumRefreshMinutes)
}

func TestStorePatchMergesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	st, err := NewStore(path)
	require.NoError(t, err)

	updated, err := st.Patch([]byte(`{"games_to_watch":["Rust"],"dark_mode":true}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Rust"}, updated.GamesToWatch)
	assert.True(t, updated.DarkMode)
	// Untouched fields survive the merge.
	assert.Equal(t, "English", updated.Language)

	// A fresh store sees the persisted result.
	st2, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rust"}, st2.Get().GamesToWatch)
	assert.True(t, st2.Get().DarkMode)
}

func TestStorePatchRejectsMalformed(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	_, err = st.Patch([]byte(`{"connection_quality":`))
	assert.Error(t, err)
	// State unchanged after a failed patch.
	assert.Equal(t, 1, st.Get().ConnectionQuality)
}

func TestGetReturnsCopy(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	a := st.Get()
	a.MiningBenefits[model.BenefitItem] = false
	a.GamesToWatch = append(a.GamesToWatch, "Mutated")

	b := st.Get()
	assert.True(t, b.MiningBenefits[model.BenefitItem])
	assert.Empty(t, b.GamesToWatch)
}

func TestResolvePaths(t *testing.T) {
	p := ResolvePaths("/tmp/agent-data")
	assert.Equal(t, "/tmp/agent-data", p.DataDir)
	assert.Equal(t, filepath.Join("/tmp/agent-data", "cookies.jar"), p.CookiesFile)
	assert.Equal(t, filepath.Join("/tmp/agent-data", "settings.json"), p.SettingsFile)
}
