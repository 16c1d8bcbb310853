package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gomobility/internal/config"
	"github.com/3leaps/gomobility/internal/observability"
	"github.com/3leaps/gomobility/pkg/archive"
	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine/local"
	"github.com/3leaps/gomobility/pkg/jobregistry"
	"github.com/3leaps/gomobility/pkg/output"
	"github.com/3leaps/gomobility/pkg/provenance"
	"github.com/3leaps/gomobility/pkg/workflow"
)

// exitWorkflowFailed is returned when a workflow ends with a non-zero
// exit status. The status itself is in the JSONL error record.
const exitWorkflowFailed = 1

// workbench bundles the collaborators every workflow run needs.
type workbench struct {
	cfg     *config.Config
	store   *provenance.Store
	engine  *local.Engine
	builder *calc.Builder
	logger  *zap.Logger
}

func openWorkbench(ctx context.Context) (*workbench, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	logger := observability.CLILogger

	store, err := provenance.Open(ctx, provenance.Config{Path: cfg.Provenance.Path})
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to open provenance store", err)
	}

	exes, err := cfg.Engine.ProgramExecutables()
	if err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid engine executables", err)
	}
	engCfg := local.Config{
		ScratchDir:  cfg.Engine.ScratchDir,
		Computer:    cfg.Engine.Computer,
		Executables: exes,
		MPIRun:      cfg.Engine.MPIRun,
		LaunchRate:  cfg.Engine.LaunchRate,
		Recorder:    store,
		Logger:      logger.Named("engine"),
	}
	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, archiveConfig(cfg.Archive), logger.Named("archive"))
		if err != nil {
			_ = store.Close()
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure archive", err)
		}
		engCfg.Archiver = arch
	}
	eng, err := local.New(engCfg)
	if err != nil {
		_ = store.Close()
		return nil, exitError(foundry.ExitFileWriteError, "Failed to create local engine", err)
	}

	builder := calc.NewBuilder(store, nil,
		calc.WithComputer(eng.Computer()),
		calc.WithLogger(logger.Named("calc")))

	return &workbench{cfg: cfg, store: store, engine: eng, builder: builder, logger: logger}, nil
}

func (w *workbench) Close() {
	if err := w.store.Close(); err != nil {
		w.logger.Warn("closing provenance store failed", zap.Error(err))
	}
}

func archiveConfig(c config.ArchiveConfig) archive.Config {
	return archive.Config{
		Bucket:         c.Bucket,
		Prefix:         c.Prefix,
		Region:         c.Region,
		Endpoint:       c.Endpoint,
		Profile:        c.Profile,
		ForcePathStyle: c.ForcePathStyle,
	}
}

// stdout is shared by every concurrent run writing to standard output.
var stdout io.Writer = &lockedWriter{w: os.Stdout}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// openDestination resolves "stdout" or "file:<path>".
func openDestination(dest string) (io.Writer, func() error, error) {
	switch {
	case dest == "" || dest == "stdout":
		return stdout, func() error { return nil }, nil
	case strings.HasPrefix(dest, "file:"):
		path := strings.TrimPrefix(dest, "file:")
		// #nosec G304 -- destination comes from the user's manifest
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open output %s: %w", path, err)
		}
		return f, f.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported output destination %q", dest)
	}
}

// runReported runs fn with a Reporter observing it and writing to dest.
func runReported(ctx context.Context, runID, name, dest string, fn func(workflow.Observer) (any, error)) error {
	if runID == "" {
		runID = uuid.NewString()
	}
	w, closeFn, err := openDestination(dest)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			observability.CLILogger.Warn("closing output failed", zap.Error(cerr))
		}
	}()

	writer := output.NewJSONLWriter(w, runID, name)
	defer func() { _ = writer.Close() }()
	reporter := output.NewReporter(writer, observability.CLILogger)

	result, runErr := fn(reporter)
	reporter.Finish(ctx, result, runErr)
	return workflowError(name, runErr)
}

func workflowError(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, name+" cancelled", err)
	}
	if exit, ok := workflow.AsExit(err); ok {
		return exitError(exitWorkflowFailed, fmt.Sprintf("%s failed with exit status %d (%s)", name, exit.Code, exit.Name), err)
	}
	return exitError(exitWorkflowFailed, name+" failed", err)
}

// managedRun marks a background job running, runs fn and records its
// outcome. Without a job id fn runs directly.
func managedRun(jobsRoot, jobID string, fn func() error) error {
	if strings.TrimSpace(jobID) == "" {
		return fn()
	}
	store := jobregistry.NewStore(jobsRoot)
	if _, err := store.Update(jobID, func(r *jobregistry.JobRecord) {
		r.State = jobregistry.JobStateRunning
		r.PID = os.Getpid()
	}); err != nil {
		observability.CLILogger.Warn("updating job record failed", zap.String("job_id", jobID), zap.Error(err))
	}

	err := fn()

	status, message := 0, "completed"
	if err != nil {
		status = workflow.ExitStatus(err)
		message = err.Error()
	}
	if _, ferr := store.Finish(jobID, status, message); ferr != nil {
		observability.CLILogger.Warn("finishing job record failed", zap.String("job_id", jobID), zap.Error(ferr))
	}
	return err
}
