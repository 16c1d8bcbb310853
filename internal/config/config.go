// Package config loads the runtime configuration of the gomobility binary.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// config file, GOMOBILITY_* environment variables and runtime overrides
// (usually command-line flags).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/gomobility/pkg/calc"
)

// Identity names the application for env vars and data directories.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the gomobility binary.
var DefaultIdentity = Identity{
	BinaryName: "gomobility",
	EnvPrefix:  "GOMOBILITY",
	ConfigName: "gomobility",
}

// Config is the decoded runtime configuration.
type Config struct {
	// DataDir is the root of every default path below.
	// Default: the gofulmen app data dir of the identity.
	DataDir string `mapstructure:"data_dir"`

	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Provenance ProvenanceConfig `mapstructure:"provenance"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// EngineConfig configures the local execution engine.
type EngineConfig struct {
	ScratchDir string  `mapstructure:"scratch_dir"`
	Computer   string  `mapstructure:"computer"`
	LaunchRate float64 `mapstructure:"launch_rate"`

	// Executables maps short program names (pw, ph, q2r, matdyn, qe2pert,
	// perturbo) to binaries.
	Executables map[string]string `mapstructure:"executables"`

	// MPIRun is the MPI launcher prefix, e.g. "mpirun" or "srun,--mpi=pmix".
	MPIRun []string `mapstructure:"mpirun"`
}

type ProvenanceConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig configures the optional S3 archive of retrieved files.
type ArchiveConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type JobsConfig struct {
	Root string `mapstructure:"root"`
}

var programNames = map[string]calc.Program{
	"pw":       calc.ProgramPw,
	"ph":       calc.ProgramPh,
	"q2r":      calc.ProgramQ2r,
	"matdyn":   calc.ProgramMatdyn,
	"qe2pert":  calc.ProgramQE2Pert,
	"perturbo": calc.ProgramPerturbo,
}

// ProgramExecutables returns Executables keyed by program id.
func (e EngineConfig) ProgramExecutables() (map[calc.Program]string, error) {
	out := make(map[calc.Program]string, len(e.Executables))
	for name, exe := range e.Executables {
		p, ok := programNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("engine.executables: unknown program %q", name)
		}
		out[p] = exe
	}
	return out, nil
}

// resolvePaths derives unset paths from DataDir.
func (c *Config) resolvePaths() {
	if c.Engine.ScratchDir == "" {
		c.Engine.ScratchDir = filepath.Join(c.DataDir, "scratch")
	}
	if c.Provenance.Path == "" {
		c.Provenance.Path = filepath.Join(c.DataDir, "provenance.db")
	}
	if c.Jobs.Root == "" {
		c.Jobs.Root = filepath.Join(c.DataDir, "jobs")
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// Validate checks the decoded values.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Engine.LaunchRate < 0 {
		return fmt.Errorf("engine.launch_rate must be >= 0, got %v", c.Engine.LaunchRate)
	}
	if _, err := c.Engine.ProgramExecutables(); err != nil {
		return err
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.Bucket) == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled is true")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
