package commands

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/autopilot"
	"github.com/cadencehq/cadence/db"
)

// AutopilotCmd controls the autonomous pipeline
var AutopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Control the autonomous pipeline",
	Long: `Control the autonomous discover -> enrich -> sync -> outreach loop.

The loop only runs while enabled and not emergency-stopped. An emergency
stop trips automatically after three consecutive failed cycles and must
be cleared explicitly; clearing it leaves the loop disabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	apStopReason  string
	apCyclesLimit int
)

func init() {
	AutopilotCmd.AddCommand(apEnableCmd)
	AutopilotCmd.AddCommand(apDisableCmd)
	AutopilotCmd.AddCommand(apStopCmd)
	AutopilotCmd.AddCommand(apClearStopCmd)
	AutopilotCmd.AddCommand(apStatusCmd)
	AutopilotCmd.AddCommand(apCyclesCmd)
	AutopilotCmd.AddCommand(apSetCapCmd)
	AutopilotCmd.AddCommand(apSetThresholdCmd)
	AutopilotCmd.AddCommand(apSetScheduleCmd)
	apStopCmd.Flags().StringVar(&apStopReason, "reason", "manual stop", "Reason recorded with the stop")
	apCyclesCmd.Flags().IntVar(&apCyclesLimit, "limit", 10, "Maximum cycles to list")
}

func openAutopilot() (*autopilot.Config, *autopilot.Store, *sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := db.Open(cfg.Database.Path, zap.S())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.Migrate(conn, nil); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	store := autopilot.NewStore(conn)
	return autopilot.NewConfig(store, zap.S()), store, conn, nil
}

var apEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable autonomous cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := ap.Enable(); err != nil {
			return err
		}
		fmt.Println("Autopilot enabled.")
		return nil
	},
}

var apDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable autonomous cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := ap.Disable(); err != nil {
			return err
		}
		fmt.Println("Autopilot disabled.")
		return nil
	},
}

var apStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Emergency stop: halt all cycles immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := ap.EmergencyStop(apStopReason); err != nil {
			return err
		}
		fmt.Println("Emergency stop engaged. Clear it with 'cadence autopilot clear-stop'.")
		return nil
	},
}

var apClearStopCmd = &cobra.Command{
	Use:   "clear-stop",
	Short: "Clear an emergency stop (leaves autopilot disabled)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := ap.ClearEmergencyStop(); err != nil {
			return err
		}
		fmt.Println("Emergency stop cleared. Re-enable with 'cadence autopilot enable'.")
		return nil
	},
}

var apStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show autopilot state and today's counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		state, err := ap.Snapshot()
		if err != nil {
			return err
		}

		mode := "disabled"
		if state.EmergencyStopped {
			mode = fmt.Sprintf("EMERGENCY STOPPED (%s)", state.StopReason)
		} else if state.Enabled {
			mode = "enabled"
		}

		fmt.Printf("Mode:              %s\n", mode)
		fmt.Printf("Schedule:          %s (%s)\n", state.ScheduleCron, state.Timezone)
		fmt.Printf("Daily cap:         %d (%d remaining)\n", state.DailyCap, state.CapRemaining())
		fmt.Printf("Quality threshold: %.2f\n", state.QualityThreshold)
		fmt.Printf("Min viability:     %.2f\n", state.MinViability)
		fmt.Printf("Today (%s):\n", state.DayKey)
		fmt.Printf("  discovered %d, enriched %d, enrolled %d\n",
			state.DiscoveredToday, state.EnrichedToday, state.EnrolledToday)
		fmt.Printf("Cycles run:        %d (consecutive failures: %d)\n",
			state.CyclesRun, state.ConsecutiveFailures)
		if state.LastRunAt != nil {
			fmt.Printf("Last run:          %s\n", state.LastRunAt.Format(time.RFC3339))
		}
		if state.NextRunAt != nil {
			fmt.Printf("Next run:          %s\n", state.NextRunAt.Format(time.RFC3339))
		}
		return nil
	},
}

var apCyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List recent pipeline cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		cycles, err := store.ListCycles(apCyclesLimit)
		if err != nil {
			return err
		}
		if len(cycles) == 0 {
			fmt.Println("No cycles recorded.")
			return nil
		}

		for _, c := range cycles {
			line := fmt.Sprintf("%-42s %-10s %s  discovered=%d enriched=%d synced=%d enrolled=%d",
				c.ID, c.Status, c.StartedAt.Format(time.RFC3339),
				c.Discovered, c.Enriched, c.Synced, c.Enrolled)
			if c.Status == autopilot.CycleFailed {
				line += fmt.Sprintf("  stage=%s error=%s", c.FailedStage, c.ErrorMessage)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var apSetCapCmd = &cobra.Command{
	Use:   "set-cap <n>",
	Short: "Set the daily contact cap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid cap %q: %w", args[0], err)
		}

		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := ap.SetDailyCap(n); err != nil {
			return err
		}
		fmt.Printf("Daily cap set to %d.\n", n)
		return nil
	},
}

var apSetThresholdCmd = &cobra.Command{
	Use:   "set-threshold <score>",
	Short: "Set the minimum composite score for outreach",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid threshold %q: %w", args[0], err)
		}

		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := ap.SetQualityThreshold(score); err != nil {
			return err
		}
		fmt.Printf("Quality threshold set to %.2f.\n", score)
		return nil
	},
}

var apSetScheduleCmd = &cobra.Command{
	Use:   "set-schedule <cron>",
	Short: "Set the cycle cadence (standard cron expression)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ap, _, conn, err := openAutopilot()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := ap.SetScheduleCron(args[0]); err != nil {
			return err
		}
		fmt.Printf("Schedule set to %q.\n", args[0])
		return nil
	},
}
