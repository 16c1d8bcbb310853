package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// envSuffixes maps env var suffixes (after the prefix) to config paths.
var envSuffixes = []EnvSpec{
	{Name: "DATA_DIR", Path: "data_dir"},
	{Name: "HOST", Path: "server.host"},
	{Name: "PORT", Path: "server.port"},
	{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
	{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
	{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
	{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	{Name: "LOG_LEVEL", Path: "logging.level"},
	{Name: "SCRATCH_DIR", Path: "engine.scratch_dir"},
	{Name: "COMPUTER", Path: "engine.computer"},
	{Name: "LAUNCH_RATE", Path: "engine.launch_rate"},
	{Name: "MPIRUN", Path: "engine.mpirun"},
	{Name: "PROVENANCE_DB", Path: "provenance.path"},
	{Name: "ARCHIVE_ENABLED", Path: "archive.enabled"},
	{Name: "ARCHIVE_BUCKET", Path: "archive.bucket"},
	{Name: "ARCHIVE_PREFIX", Path: "archive.prefix"},
	{Name: "ARCHIVE_REGION", Path: "archive.region"},
	{Name: "ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
	{Name: "ARCHIVE_PROFILE", Path: "archive.profile"},
	{Name: "JOBS_ROOT", Path: "jobs.root"},
}

// getEnvSpecs returns the env var table of the current identity.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envSuffixes))
	for _, s := range envSuffixes {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + s.Name, Path: s.Path})
	}
	return specs
}

// getUserConfigPaths returns the candidate config files, most specific first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv(id.EnvPrefix + "_CONFIG")); explicit != "" {
		paths = append(paths, explicit)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName, "config.yaml"))
	}
	return paths
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("engine.scratch_dir", "")
	v.SetDefault("engine.computer", "localhost")
	v.SetDefault("engine.launch_rate", 0)
	v.SetDefault("engine.executables", map[string]string{})
	v.SetDefault("engine.mpirun", []string{})

	v.SetDefault("provenance.path", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)

	v.SetDefault("jobs.root", "")
}

// Load loads the configuration with optional runtime overrides.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An explicit file must
// exist; the default user config file is optional.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	id := *appIdentity
	configMu.Unlock()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = gfconfig.GetAppDataDir(id.ConfigName)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}
	for _, p := range getUserConfigPaths() {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat config %s: %w", p, err)
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", p, err)
		}
		return nil
	}
	return nil
}

// applyOverrides sets every leaf of m as a dotted key.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the application identity, or nil before Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}
