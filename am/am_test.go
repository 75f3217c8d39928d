package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/errors"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance, no user or system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.True(t, cfg.Engine.RestoreOnStart)
	assert.False(t, cfg.Engine.ExecutionPaused)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrentOperations)
	assert.Equal(t, 2, cfg.Queue.MaxPendingResults)
	assert.Equal(t, 15, cfg.Deferred.TimeoutSeconds)
	assert.Equal(t, DefaultBridgeAddress, cfg.Bridge.Address)
	assert.True(t, cfg.Schedules.Watch)
	require.NoError(t, cfg.Validate())
}

func TestConfigConversions(t *testing.T) {
	cfg := &Config{
		Queue:    QueueConfig{MaxConcurrentOperations: 5, InitialBackoffSeconds: 1},
		Deferred: DeferredConfig{TimeoutSeconds: 3, Burst: 9},
		Device:   DeviceConfig{ChannelID: "chan", Locale: "de-AT", AppVersion: "2.1.0"},
		Engine:   EngineConfig{ExecuteRetrySeconds: 5},
	}

	q := cfg.RetryQueue()
	assert.Equal(t, 5, q.MaxConcurrentOperations)
	assert.Equal(t, 2, q.MaxPendingResults, "unset values keep the queue default")
	assert.Equal(t, time.Second, q.InitialBackoff)
	assert.Equal(t, 60*time.Second, q.MaxBackoff)

	r := cfg.Resolver()
	assert.Equal(t, 3*time.Second, r.Timeout)
	assert.Equal(t, 9, r.Burst)

	info := cfg.DeviceInfo()
	assert.Equal(t, "chan", info.ChannelID)
	assert.Equal(t, "de", info.Language())
	assert.Equal(t, "AT", info.Country())

	assert.Equal(t, 5*time.Second, cfg.ExecuteRetryInterval())
	assert.Zero(t, (&Config{}).ExecuteRetryInterval())
	assert.Equal(t, DefaultDatabasePath, (&Config{}).GetDatabasePath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero values use defaults", config: Config{}},
		{name: "negative concurrency", config: Config{Queue: QueueConfig{MaxConcurrentOperations: -1}}, wantErr: true},
		{name: "initial backoff above max", config: Config{Queue: QueueConfig{InitialBackoffSeconds: 90, MaxBackoffSeconds: 60}}, wantErr: true},
		{name: "negative deferred rate", config: Config{Deferred: DeferredConfig{RequestsPerSecond: -1}}, wantErr: true},
		{name: "zero ping disables keepalive", config: Config{Bridge: BridgeConfig{PingSeconds: 0}}},
		{name: "negative ping", config: Config{Bridge: BridgeConfig{PingSeconds: -5}}, wantErr: true},
		{name: "negative retry interval", config: Config{Engine: EngineConfig{ExecuteRetrySeconds: -1}}, wantErr: true},
		{name: "execution window", config: Config{Engine: EngineConfig{WindowCron: "0 9 * * *", WindowMinutes: 720}}},
		{name: "window without length", config: Config{Engine: EngineConfig{WindowCron: "0 9 * * *"}}, wantErr: true},
		{name: "malformed window", config: Config{Engine: EngineConfig{WindowCron: "daily", WindowMinutes: 60}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "/tmp/test.db"

[engine]
execution_paused = true

[device]
channel_id = "abc"
tags = ["beta", "vip"]
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.True(t, cfg.Engine.ExecutionPaused)
	assert.Equal(t, "abc", cfg.Device.ChannelID)
	assert.Equal(t, []string{"beta", "vip"}, cfg.Device.Tags)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrentOperations, "defaults fill the gaps")
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[queue]\nmax_pending_results = -3\n"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoad_PrecedenceAndSources(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)
	Reset()
	t.Cleanup(Reset)

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".automaton"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".automaton", "am.toml"),
		[]byte("[database]\npath = \"user.db\"\n[metrics]\naddress = \":1111\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"),
		[]byte("[database]\npath = \"project.db\"\n"), 0644))
	t.Setenv("AUTOMATON_DEVICE_CHANNEL_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "project.db", cfg.Database.Path)
	assert.Equal(t, ":1111", cfg.Metrics.Address)
	assert.Equal(t, "from-env", cfg.Device.ChannelID)

	bySource := map[string]SettingInfo{}
	for _, s := range Introspect() {
		bySource[s.Key] = s
	}
	assert.Equal(t, SourceProject, bySource["database.path"].Source)
	assert.Equal(t, SourceUser, bySource["metrics.address"].Source)
	assert.Equal(t, SourceDefault, bySource["queue.max_backoff_seconds"].Source)

	assert.Equal(t, filepath.Join(project, "am.toml"), WritablePath())
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")
	require.NoError(t, WriteDefault(path, false))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)

	err = WriteDefault(path, false)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	require.NoError(t, WriteDefault(path, true))
	assert.FileExists(t, path+".back1")
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[database]\npath = \"keep.db\"\n"), 0644))

	require.NoError(t, SetValue(path, "engine.execution_paused", true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &raw))
	assert.Equal(t, true, raw["engine"].(map[string]interface{})["execution_paused"])
	assert.Equal(t, "keep.db", raw["database"].(map[string]interface{})["path"])
	assert.FileExists(t, path+".back1")
}

func TestCreateBackupRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	for i := 0; i < 4; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0644))
		require.NoError(t, createBackup(path))
	}

	back1, _ := os.ReadFile(path + ".back1")
	back3, _ := os.ReadFile(path + ".back3")
	assert.Equal(t, "d", string(back1))
	assert.Equal(t, "b", string(back3))
}

func TestConfigWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nexecution_paused = false\n"), 0644))

	cw, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	cw.debounce = 10 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan *Config, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c
		return nil
	})
	cw.Start()
	t.Cleanup(func() { cw.Stop() })

	// Writes to other files in the directory are ignored
	require.NoError(t, os.WriteFile(path+".back1", []byte("x"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nexecution_paused = true\n"), 0644))

	select {
	case c := <-reloaded:
		assert.True(t, c.Engine.ExecutionPaused)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestConfigWatcherSkipsUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nexecution_paused = false\n"), 0644))

	cw, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cw.Stop() })

	assert.False(t, cw.changed(), "contents recorded at construction")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nexecution_paused = false\n"), 0644))
	assert.False(t, cw.changed())
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nexecution_paused = true\n"), 0644))
	assert.True(t, cw.changed())
	assert.False(t, cw.changed())
}
