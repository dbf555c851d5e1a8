package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/renewd/renewd/pkg/config"
	"github.com/renewd/renewd/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the schedule and recent renewal runs",
		Long: `Show when the next renewal attempt is due, the carried same-day retry
counter, and the most recent run outcomes from the store.`,
		Example: `  # Human-readable status
  renewd status

  # Machine-readable, for monitoring scripts
  renewd status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent runs to show")

	return cmd
}

type statusDocument struct {
	Schedule *stores.ScheduleState `json:"schedule,omitempty"`
	Runs     []*stores.Run         `json:"runs"`
}

func showStatus(ctx context.Context, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := stores.NewSQLiteStore(cfg.StoreSQLiteConfig())
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	schedule, err := store.GetSchedule(ctx)
	if err != nil && !errors.Is(err, stores.ErrNoSchedule) {
		return err
	}
	runs, err := store.ListRuns(ctx, limit, 0)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statusDocument{Schedule: schedule, Runs: runs})
	}

	if schedule == nil {
		fmt.Println("No runs recorded yet; the next invocation will attempt immediately.")
	} else {
		fmt.Printf("Next attempt due: %s\n", schedule.NextRun.Local().Format(time.RFC1123))
		fmt.Printf("Same-day retries carried: %d\n", schedule.RetryCount)
		if schedule.Deferred {
			fmt.Println("Retry budget exhausted; attempt deferred to the next day.")
		}
	}

	if len(runs) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATE\tREASON\tCONTRACT\tRUN ID")
	for _, run := range runs {
		contract := ""
		if run.ContractID != nil {
			contract = *run.ContractID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.State,
			run.Reason,
			contract,
			run.ID,
		)
	}
	return w.Flush()
}
