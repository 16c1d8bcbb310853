package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomobility/internal/config"
	"github.com/3leaps/gomobility/internal/observability"
	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine/local"
	"github.com/3leaps/gomobility/pkg/provenance"
)

var doctorArchive bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local environment and suggest fixes.

Checks cover the Go runtime, the gofulmen libraries, the configuration,
the scratch directory, the provenance database and the Quantum ESPRESSO
and Perturbo executables.

Examples:
  gomobility doctor            # Environment check
  gomobility doctor --archive  # Also check S3 archive credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Also check S3 archive credentials")
}

// doctorCheck is one diagnostic. run returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
	// warn marks checks whose failure does not fail the whole report.
	warn bool
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Error("Checking configuration... ❌", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	checks := doctorChecks(cfg)
	if doctorArchive {
		checks = append(checks, archiveChecks(cfg.Archive)...)
	}

	failed := 0
	for i, c := range checks {
		label := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx)
		switch {
		case err == nil:
			log.Info(label+" ✅ "+detail, zap.String("check", c.name))
		case c.warn:
			log.Warn(label+" ⚠️  "+err.Error(), zap.String("check", c.name))
		default:
			log.Error(label+" ❌ "+err.Error(), zap.String("check", c.name))
			failed++
		}
	}

	if failed > 0 {
		if doctorArchive {
			printAWSCredentialsHelp()
		}
		return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("%d checks failed", failed), nil)
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", warn: true, run: func(context.Context) (string, error) {
			v := runtime.Version()
			if v < "go1.25" {
				return "", fmt.Errorf("%s (recommended: go1.25+)", v)
			}
			return v, nil
		}},
		{name: "gofulmen libraries", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" || v.Crucible == "" {
				return "", errors.New("cannot read gofulmen/crucible versions")
			}
			return fmt.Sprintf("gofulmen v%s, crucible v%s", v.Gofulmen, v.Crucible), nil
		}},
		{name: "data directory", run: func(context.Context) (string, error) {
			return checkDir(cfg.DataDir, true)
		}},
		{name: "scratch directory", run: func(context.Context) (string, error) {
			return checkDir(cfg.Engine.ScratchDir, true)
		}},
		{name: "provenance database", run: func(ctx context.Context) (string, error) {
			store, err := provenance.Open(ctx, provenance.Config{Path: cfg.Provenance.Path})
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			if _, err := store.List(ctx, provenance.ListOptions{Limit: 1}); err != nil {
				return "", err
			}
			return cfg.Provenance.Path, nil
		}},
	}

	exes, err := resolvedExecutables(cfg.Engine)
	if err != nil {
		return append(checks, doctorCheck{name: "executables", run: func(context.Context) (string, error) {
			return "", err
		}})
	}
	programs := make([]string, 0, len(exes))
	for p := range exes {
		programs = append(programs, string(p))
	}
	sort.Strings(programs)
	for _, p := range programs {
		exe := exes[calc.Program(p)]
		checks = append(checks, doctorCheck{name: p, warn: true, run: func(context.Context) (string, error) {
			path, err := exec.LookPath(exe)
			if err != nil {
				return "", fmt.Errorf("%s not found on PATH", exe)
			}
			return path, nil
		}})
	}
	if len(cfg.Engine.MPIRun) > 0 {
		launcher := cfg.Engine.MPIRun[0]
		checks = append(checks, doctorCheck{name: "MPI launcher", warn: true, run: func(context.Context) (string, error) {
			path, err := exec.LookPath(launcher)
			if err != nil {
				return "", fmt.Errorf("%s not found on PATH", launcher)
			}
			return path, nil
		}})
	}
	return checks
}

// resolvedExecutables merges configured executables over the defaults.
func resolvedExecutables(e config.EngineConfig) (map[calc.Program]string, error) {
	configured, err := e.ProgramExecutables()
	if err != nil {
		return nil, err
	}
	out := local.DefaultExecutables()
	for p, exe := range configured {
		out[p] = exe
	}
	return out, nil
}

// checkDir reports whether path is a directory, creating it when asked.
func checkDir(path string, create bool) (string, error) {
	if path == "" {
		return "", errors.New("not configured")
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) && create {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return "", err
		}
		return path + " (created)", nil
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}
	return path, nil
}

func archiveChecks(a config.ArchiveConfig) []doctorCheck {
	return []doctorCheck{
		{name: "archive bucket", run: func(context.Context) (string, error) {
			if a.Bucket == "" {
				return "", errors.New("archive.bucket is not set")
			}
			return a.Bucket, nil
		}},
		{name: "AWS credentials", run: func(ctx context.Context) (string, error) {
			var opts []func(*awsconfig.LoadOptions) error
			if a.Region != "" {
				opts = append(opts, awsconfig.WithRegion(a.Region))
			}
			if a.Profile != "" {
				opts = append(opts, awsconfig.WithSharedConfigProfile(a.Profile))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return "", fmt.Errorf("cannot load AWS config: %w", err)
			}
			creds, err := awsCfg.Credentials.Retrieve(ctx)
			if err != nil {
				return "", fmt.Errorf("cannot retrieve credentials: %w", err)
			}
			return fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), valueOrDefault(creds.Source, "unknown")), nil
		}},
	}
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure archive credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Run 'aws configure' and set archive.profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set archive.endpoint")
	log.Info("and archive.force_path_style in the config file.")
}
