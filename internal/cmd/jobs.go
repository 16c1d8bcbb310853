package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gomobility/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect background workflow runs",
	Long: `Inspect workflow runs started with --detach.

Each run has a stable job id and a directory under the jobs root holding
job.json and the stdout/stderr logs of the run.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List background runs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one background run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Print the logs of a background run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var (
	jobsJSON   bool
	jobsStream string
	jobsTail   int
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsLogsCmd)

	jobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
	jobsLogsCmd.Flags().StringVar(&jobsStream, "stream", "stdout", "Log stream: stdout or stderr")
	jobsLogsCmd.Flags().IntVar(&jobsTail, "tail", 200, "Show last N lines (0 = all)")
}

// addManagedJobFlag registers the hidden flag set by the executor on
// managed child processes.
func addManagedJobFlag(cmd *cobra.Command, target *string) {
	name := strings.TrimPrefix(jobregistry.ManagedJobFlag, "--")
	cmd.Flags().StringVar(target, name, "", "Job id of a managed background run")
	_ = cmd.Flags().MarkHidden(name)
}

func jobStore(ctx context.Context) (*jobregistry.Store, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return jobregistry.NewStore(cfg.Jobs.Root), nil
}

// detach starts `gomobility <verb> run` in the background and prints the
// job record.
func detach(ctx context.Context, verb, manifestPath, name string) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	exec := jobregistry.NewExecutor(cfg.Jobs.Root)
	rec, err := exec.StartBackground(verb, manifestPath, jobregistry.BackgroundOptions{Name: name, Dedupe: true})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to start background run", err)
	}
	return printJSON(rec)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	store, err := jobStore(cmd.Context())
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	if jobsJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	return writeJobsTable(os.Stdout, jobs)
}

func writeJobsTable(out io.Writer, jobs []jobregistry.JobRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tWORKFLOW\tNAME\tSTATE\tEXIT\tSTARTED\tENDED\tMANIFEST")
	for _, j := range jobs {
		exit := "-"
		if j.ExitStatus != nil {
			exit = fmt.Sprint(*j.ExitStatus)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID, j.Workflow, valueOrDefault(j.Name, "-"), j.State, exit,
			formatOptionalTime(j.StartedAt), formatOptionalTime(j.EndedAt), j.ManifestPath)
	}
	return w.Flush()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	store, err := jobStore(cmd.Context())
	if err != nil {
		return err
	}
	job, err := store.Get(args[0])
	if err != nil {
		if os.IsNotExist(err) {
			return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("job %s", args[0]))
		}
		return exitError(foundry.ExitFileReadError, "Failed to read job", err)
	}
	if jobsJSON {
		return printJSON(job)
	}
	return writeJobsTable(os.Stdout, []jobregistry.JobRecord{*job})
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	store, err := jobStore(cmd.Context())
	if err != nil {
		return err
	}
	job, err := store.Get(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	var path string
	switch jobsStream {
	case "stdout":
		path = job.StdoutPath
	case "stderr":
		path = job.StderrPath
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value", fmt.Errorf("expected stdout or stderr, got %q", jobsStream))
	}
	// #nosec G304 -- path comes from the job record
	f, err := os.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open log", err)
	}
	defer func() { _ = f.Close() }()
	return tailLines(f, os.Stdout, jobsTail)
}

// tailLines copies the last n lines of r to w; n <= 0 copies everything.
func tailLines(r io.Reader, w io.Writer, n int) error {
	if n <= 0 {
		_, err := io.Copy(w, r)
		return err
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for _, line := range ring {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
