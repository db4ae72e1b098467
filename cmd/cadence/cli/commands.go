// Package cli holds the operational sub-commands of the cadence binary.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cadencehq/cadence/internal/tenant"
)

// JobsOpener builds a JobsCLI when a jobs command actually runs.
type JobsOpener func() (*JobsCLI, error)

// TenantAdmin provisions tenants and their API keys.
type TenantAdmin interface {
	Provision(ctx context.Context, name string) (tenant.Tenant, string, error)
	RotateKey(ctx context.Context, id uuid.UUID) (string, error)
}

// TenantOpener connects the tenant service; the returned func releases it.
type TenantOpener func(ctx context.Context) (TenantAdmin, func(), error)

// NewJobsCommand returns `jobs trigger` and `jobs inspect`.
func NewJobsCommand(open JobsOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger or inspect background jobs",
	}
	cmd.AddCommand(newTriggerCommand(open), newInspectCommand(open))
	return cmd
}

func newTriggerCommand(open JobsOpener) *cobra.Command {
	var (
		tenantID    string
		cycleID     string
		minUpcoming int
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "trigger <job>",
		Short: "Enqueue a cycles job now",
		Long: `Enqueue one of the scheduler jobs on the default queue.

Jobs:
  cycles:sweep     maintain every tenant with a calendar
  cycles:tenant    maintain one tenant (--tenant)
  cycles:backfill  rebuild missing snapshots of a cycle (--tenant, --cycle)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger := TriggerArgs{Force: force}
			var err error
			if trigger.TenantID, err = optionalUUID("tenant", tenantID); err != nil {
				return err
			}
			if trigger.CycleID, err = optionalUUID("cycle", cycleID); err != nil {
				return err
			}
			if minUpcoming >= 0 {
				trigger.MinUpcoming = &minUpcoming
			}
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			info, err := c.Trigger(cmd.Context(), args[0], trigger)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id")
	cmd.Flags().IntVar(&minUpcoming, "min-upcoming", -1, "override the minimum number of upcoming cycles")
	cmd.Flags().BoolVar(&force, "force", false, "run a tenant again even if today's task already exists")
	return cmd
}

func newInspectCommand(open JobsOpener) *cobra.Command {
	var (
		jsonOutput bool
		scheduled  int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue depth and scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			stats, err := c.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
			}
			renderQueueStats(cmd.OutOrStdout(), stats)
			if scheduled <= 0 {
				return nil
			}
			tasks, err := c.ListScheduled(cmd.Context(), scheduled)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), " - %s %s at %s\n", task.Type, task.ID, task.NextProcessAt.UTC().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	cmd.Flags().IntVar(&scheduled, "scheduled", 0, "also list up to N scheduled tasks")
	return cmd
}

func renderQueueStats(out io.Writer, stats QueueStats) {
	_, _ = fmt.Fprintf(out, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
}

// NewTenantCommand returns `tenant provision` and `tenant rotate-key`.
func NewTenantCommand(open TenantOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants and API keys",
	}
	var jsonOutput bool
	provision := &cobra.Command{
		Use:   "provision <name>",
		Short: "Create a tenant and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			t, key, err := admin.Provision(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"tenant_id": t.ID.String(),
					"name":      t.Name,
					"api_key":   key,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tenant %s (%s)\napi key: %s\n", t.Name, t.ID, key)
			return nil
		},
	}
	provision.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")

	rotate := &cobra.Command{
		Use:   "rotate-key <tenant-id>",
		Short: "Replace a tenant's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id %q", args[0])
			}
			admin, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			key, err := admin.RotateKey(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "api key: %s\n", key)
			return nil
		},
	}
	cmd.AddCommand(provision, rotate)
	return cmd
}

func optionalUUID(flag, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s %q", flag, raw)
	}
	return id, nil
}

