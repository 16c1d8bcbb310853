package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomobility/internal/observability"
	"github.com/3leaps/gomobility/internal/server"
	"github.com/3leaps/gomobility/internal/server/handlers"
	"github.com/3leaps/gomobility/pkg/jobregistry"
	"github.com/3leaps/gomobility/pkg/provenance"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status server",
	Long: `Start a read-only HTTP server exposing health probes, version info,
background job records and the provenance store.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /jobs, /jobs/{jobID}
  GET /calculations, /calculations/{calcID}`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	overrides := map[string]any{}
	listen := map[string]any{}
	if cmd.Flags().Changed("host") {
		listen["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		listen["port"] = servePort
	}
	if len(listen) > 0 {
		overrides["server"] = listen
	}

	cfg, err := loadConfig(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewServiceLogger("gomobility", cfg.Logging.Level)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := provenance.Open(ctx, provenance.Config{Path: cfg.Provenance.Path})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open provenance store", err)
	}
	defer func() { _ = store.Close() }()

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	hm.RegisterChecker("provenance", provenanceHealthChecker{store: store})
	hm.RegisterChecker("scratch", dirHealthChecker{path: cfg.Engine.ScratchDir})

	sc := cfg.Server
	srv := newStatusServer(sc.Host, sc.Port, logger, store, jobregistry.NewStore(cfg.Jobs.Root),
		server.WithTimeouts(sc.ReadTimeout, sc.WriteTimeout, sc.IdleTimeout))
	logger.Info("Starting status server",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version))

	if err := srv.Run(ctx, sc.ShutdownTimeout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	logger.Info("Status server stopped")
	return nil
}

func newStatusServer(host string, port int, logger *zap.Logger, calcs handlers.CalculationStore, jobs handlers.JobStore, extra ...server.Option) *server.Server {
	opts := append([]server.Option{
		server.WithLogger(logger),
		server.WithJobStore(jobs),
		server.WithCalculationStore(calcs),
	}, extra...)
	return server.New(host, port, opts...)
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity missing binary name")
	case c.envPrefix == "":
		return errors.New("identity missing env prefix")
	case c.configName == "":
		return errors.New("identity missing config name")
	}
	return nil
}

type provenanceHealthChecker struct {
	store *provenance.Store
}

func (c provenanceHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("provenance store not open")
	}
	_, err := c.store.List(ctx, provenance.ListOptions{Limit: 1})
	return err
}

type dirHealthChecker struct {
	path string
}

func (c dirHealthChecker) CheckHealth(context.Context) error {
	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.path)
	}
	return nil
}
