// Package local runs calculation requests as child processes on this
// machine.
//
// Every submission gets a fresh scratch directory under Config.ScratchDir.
// The engine writes the request's input files, applies its staging
// instructions with cp/ln semantics, runs the program with stdout captured
// in the request's output file and parses the result. The scratch directory
// doubles as the retrieved folder: parsers read it directly.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine"
	"github.com/3leaps/gomobility/pkg/parse"
	"github.com/3leaps/gomobility/pkg/remote"
)

// StderrFile receives the standard error of the child process.
const StderrFile = "_stderr.txt"

// Sentinel errors for submissions the engine cannot run.
var (
	// ErrNoExecutable indicates no executable is configured for a program.
	ErrNoExecutable = errors.New("no executable configured")

	// ErrForeignComputer indicates a folder lives on another computer.
	ErrForeignComputer = errors.New("folder is on another computer")

	// ErrNoMatch indicates a staging glob matched nothing.
	ErrNoMatch = errors.New("staging source matched no files")

	// ErrOutsideScratch indicates a path escapes the scratch directory.
	ErrOutsideScratch = errors.New("path is outside the scratch directory")
)

// Recorder persists finished calculations. *provenance.Store implements it.
type Recorder interface {
	Record(ctx context.Context, c *remote.Calculation) error
}

// Archiver copies the retrieved files of a calculation somewhere durable.
// *archive.Archiver implements it.
type Archiver interface {
	Archive(ctx context.Context, calcID, root string, patterns []string) error
}

// Config configures the local engine.
type Config struct {
	// ScratchDir holds one directory per calculation (required).
	ScratchDir string

	// Computer is the name recorded for produced folders.
	// Default: calc.DefaultComputer
	Computer string

	// Executables maps programs to binaries. Missing entries fall back to
	// DefaultExecutables.
	Executables map[calc.Program]string

	// MPIRun is the launcher prefix used when a request asks for MPI
	// (for example ["mpirun"]). "-np <procs>" is appended to it.
	MPIRun []string

	// LaunchRate is the maximum number of launches per second.
	// Zero means unlimited.
	LaunchRate float64

	// Recorder receives every finished calculation. Optional.
	Recorder Recorder

	// Archiver receives the retrieve list of every finished calculation.
	// Optional; archive failures are logged and do not fail the submission.
	Archiver Archiver

	Logger *zap.Logger
}

// DefaultExecutables returns the stock binary names of the Quantum ESPRESSO
// and Perturbo programs.
func DefaultExecutables() map[calc.Program]string {
	return map[calc.Program]string{
		calc.ProgramPw:       "pw.x",
		calc.ProgramPh:       "ph.x",
		calc.ProgramQ2r:      "q2r.x",
		calc.ProgramMatdyn:   "matdyn.x",
		calc.ProgramQE2Pert:  "qe2pert.x",
		calc.ProgramPerturbo: "perturbo.x",
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ScratchDir) == "" {
		return errors.New("local engine: scratch dir is required")
	}
	if c.LaunchRate < 0 {
		return fmt.Errorf("local engine: launch rate must be >= 0, got %v", c.LaunchRate)
	}
	return nil
}

// Engine runs requests as local child processes.
type Engine struct {
	scratch     string
	computer    string
	executables map[calc.Program]string
	mpirun      []string
	limiter     *rate.Limiter
	recorder    Recorder
	archiver    Archiver
	logger      *zap.Logger
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Cleaner = (*Engine)(nil)
)

// New creates a local engine. The scratch directory is created if needed.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scratch, err := filepath.Abs(cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	// Apply defaults for zero values
	computer := cfg.Computer
	if computer == "" {
		computer = calc.DefaultComputer
	}
	executables := DefaultExecutables()
	for p, exe := range cfg.Executables {
		if strings.TrimSpace(exe) != "" {
			executables[p] = exe
		}
	}
	limit := rate.Inf
	if cfg.LaunchRate > 0 {
		limit = rate.Limit(cfg.LaunchRate)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		scratch:     scratch,
		computer:    computer,
		executables: executables,
		mpirun:      append([]string(nil), cfg.MPIRun...),
		limiter:     rate.NewLimiter(limit, 1),
		recorder:    cfg.Recorder,
		archiver:    cfg.Archiver,
		logger:      logger,
	}, nil
}

// Computer returns the computer name of produced folders.
func (e *Engine) Computer() string {
	return e.computer
}

// Submit implements engine.Engine. It blocks until the child process exits
// or ctx is done; cancellation kills the process and returns ctx.Err().
func (e *Engine) Submit(ctx context.Context, req *calc.Request) (*calc.Result, error) {
	if req == nil {
		return nil, errors.New("local engine: nil request")
	}
	argv, err := e.argv(req)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(e.scratch, id)
	log := e.logger.With(zap.String("calc_id", id), zap.String("program", string(req.Program)))

	if err := e.prepare(dir, req); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", id, err)
	}

	started := time.Now()
	log.Debug("launching", zap.Strings("argv", argv), zap.String("dir", dir))
	exitCode, killed, err := e.run(ctx, dir, req, argv)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}

	report := parse.For(req.Program)(os.DirFS(dir))
	status, message := report.ExitStatus, report.ExitMessage
	switch {
	case killed:
		status = calc.ExitOutOfWalltime
		message = fmt.Sprintf("killed after %ds of walltime", req.Resources.MaxWallclockSeconds)
	case exitCode != 0 && status == 0:
		status = calc.ExitOutputStdoutIncomplete
		message = fmt.Sprintf("%s exited with status %d", filepath.Base(argv[0]), exitCode)
	}

	res := &calc.Result{
		CalculationID: id,
		Program:       req.Program,
		ExitStatus:    status,
		ExitMessage:   message,
		RemoteFolder:  remote.Folder{Computer: e.computer, Path: dir},
		Outputs:       report.Outputs,
	}

	if e.recorder != nil {
		rec := &remote.Calculation{
			ID:          id,
			Program:     string(req.Program),
			Computer:    e.computer,
			Folder:      res.RemoteFolder,
			ExitStatus:  status,
			ExitMessage: message,
			Inputs:      req.Inputs,
			Outputs:     res.Outputs.Map(),
			CreatedAt:   started.UTC(),
		}
		if err := e.recorder.Record(ctx, rec); err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
	}

	if e.archiver != nil {
		patterns := append(append([]string(nil), req.Retrieve...), req.RetrieveTemporary...)
		if err := e.archiver.Archive(ctx, id, dir, patterns); err != nil {
			log.Warn("archive failed", zap.Error(err))
		}
	}

	log.Info("calculation finished",
		zap.Int("exit_status", status),
		zap.Float64("wall_seconds", time.Since(started).Seconds()),
	)
	return res, nil
}

// Clean implements engine.Cleaner. Only folders of this engine's computer
// inside the scratch directory can be removed.
func (e *Engine) Clean(_ context.Context, f remote.Folder) error {
	if f.Computer != e.computer {
		return fmt.Errorf("clean %s: %w", f, ErrForeignComputer)
	}
	p, err := e.inScratch(f.Path)
	if err != nil {
		return fmt.Errorf("clean %s: %w", f, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("clean %s: %w", f, err)
	}
	e.logger.Debug("scratch folder removed", zap.String("path", p))
	return nil
}

func (e *Engine) argv(req *calc.Request) ([]string, error) {
	code := req.Code
	if code == "" {
		code = req.Program
	}
	exe, ok := e.executables[code]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoExecutable, code)
	}
	var argv []string
	if req.Resources.WithMPI && len(e.mpirun) > 0 {
		procs := max(req.Resources.NumMachines, 1) * max(req.Resources.NumMPIProcsPerMachine, 1)
		argv = append(argv, e.mpirun...)
		argv = append(argv, "-np", strconv.Itoa(procs))
	}
	argv = append(argv, exe)
	return append(argv, req.Cmdline...), nil
}

// prepare creates the scratch folder, writes the input files and applies
// the staging instructions in order.
func (e *Engine) prepare(dir string, req *calc.Request) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, m := range req.Mkdirs {
		p, err := within(dir, m)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	for _, f := range req.Files {
		p, err := within(dir, f.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, f.Content, 0o644); err != nil {
			return err
		}
	}
	for _, in := range req.Stage {
		if err := e.stage(dir, in); err != nil {
			return fmt.Errorf("stage %s -> %s: %w", in.Source, in.Dest, err)
		}
	}
	return nil
}

// run executes argv in dir. killed reports a walltime kill.
func (e *Engine) run(ctx context.Context, dir string, req *calc.Request, argv []string) (exitCode int, killed bool, err error) {
	outName := req.OutputFile
	if outName == "" {
		outName = calc.OutputFile
	}
	stdout, err := os.Create(filepath.Join(dir, outName))
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(filepath.Join(dir, StderrFile))
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = stderr.Close() }()

	runCtx := ctx
	if secs := req.Resources.MaxWallclockSeconds; secs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	if runErr == nil {
		return 0, false, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return -1, true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), false, nil
	}
	return 0, false, runErr
}

// inScratch cleans p and checks it names a folder below the scratch dir.
func (e *Engine) inScratch(p string) (string, error) {
	p = filepath.Clean(p)
	rel, err := filepath.Rel(e.scratch, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideScratch
	}
	return p, nil
}
