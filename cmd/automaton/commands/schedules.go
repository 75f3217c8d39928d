package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/schedfile"
	"github.com/teranos/automaton/sym"
)

var (
	schedulesDBPath string
	schedulesGroup  string
	schedulesJSON   bool
)

// SchedulesCmd inspects and edits stored schedules without running the engine.
var SchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: sym.Scheduled + " Inspect and edit stored schedules",
	Long: sym.Scheduled + ` schedules - Inspect and edit stored schedules

Operates directly on the database. Stop a running engine first, or use
"automaton run --schedules" to have it pick up definition files itself.

Examples:
  automaton schedules list
  automaton schedules list --group onboarding
  automaton schedules show welcome
  automaton schedules load schedules.yaml
  automaton schedules cancel welcome`,
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored schedules with their state",
	Args:  cobra.NoArgs,
	RunE:  runSchedulesList,
}

var schedulesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a schedule definition and its runtime record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesShow,
}

var schedulesCancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Delete schedules and their trigger progress",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSchedulesCancel,
}

var schedulesLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Upsert schedules from a definitions file and replace the frequency constraints",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulesLoad,
}

func init() {
	SchedulesCmd.PersistentFlags().StringVar(&schedulesDBPath, "db", "", "Database path; overrides database.path")
	schedulesListCmd.Flags().StringVar(&schedulesGroup, "group", "", "Only list schedules in this group")
	schedulesListCmd.Flags().BoolVarP(&schedulesJSON, "json", "j", false, "Output as JSON")

	SchedulesCmd.AddCommand(schedulesListCmd)
	SchedulesCmd.AddCommand(schedulesShowCmd)
	SchedulesCmd.AddCommand(schedulesCancelCmd)
	SchedulesCmd.AddCommand(schedulesLoadCmd)
}

// withRuntime opens the database and builds an unstarted runtime for one-shot
// commands.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg, schedulesDBPath)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, database, runtimeOptions{}, logger.Logger)
	defer rt.close()
	return fn(context.Background(), rt)
}

// scheduleRow is one line of "schedules list".
type scheduleRow struct {
	ID         string                 `json:"id"`
	Group      string                 `json:"group,omitempty"`
	Type       automation.PayloadType `json:"type"`
	State      automation.State       `json:"state"`
	Priority   int                    `json:"priority"`
	Executions int                    `json:"execution_count"`
	Changed    time.Time              `json:"state_change_date"`
}

func runSchedulesList(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		var schedules []automation.Schedule
		var err error
		if schedulesGroup != "" {
			schedules, err = rt.engine.GetSchedulesInGroup(ctx, schedulesGroup)
		} else {
			schedules, err = rt.engine.GetSchedules(ctx)
		}
		if err != nil {
			return err
		}

		rows := make([]scheduleRow, 0, len(schedules))
		for _, s := range schedules {
			rec, err := rt.engine.Record(ctx, s.ID)
			if err != nil {
				continue
			}
			rows = append(rows, scheduleRow{
				ID:         s.ID,
				Group:      s.Group,
				Type:       s.Type,
				State:      rec.State,
				Priority:   s.Priority,
				Executions: rec.ExecutionCount,
				Changed:    rec.StateChangeDate,
			})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].Priority != rows[j].Priority {
				return rows[i].Priority < rows[j].Priority
			}
			return rows[i].ID < rows[j].ID
		})

		if schedulesJSON {
			data, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to marshal schedules")
			}
			fmt.Println(string(data))
			return nil
		}

		if len(rows) == 0 {
			pterm.Info.Println("No schedules stored")
			return nil
		}
		table := pterm.TableData{{"ID", "Group", "Type", "State", "Priority", "Executions", "Changed"}}
		for _, r := range rows {
			table = append(table, []string{
				r.ID, r.Group, string(r.Type), string(r.State),
				strconv.Itoa(r.Priority), strconv.Itoa(r.Executions),
				r.Changed.Local().Format(time.DateTime),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	})
}

func runSchedulesShow(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		rec, err := rt.engine.Record(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(struct {
			Schedule        automation.Schedule              `json:"schedule"`
			State           automation.State                 `json:"state"`
			StateChangeDate time.Time                        `json:"state_change_date"`
			ExecutionCount  int                              `json:"execution_count"`
			TriggerInfo     *automation.TriggeringInfo       `json:"trigger_info,omitempty"`
			PreparedInfo    *automation.PreparedScheduleInfo `json:"prepared_info,omitempty"`
		}{
			Schedule:        rec.Schedule,
			State:           rec.State,
			StateChangeDate: rec.StateChangeDate,
			ExecutionCount:  rec.ExecutionCount,
			TriggerInfo:     rec.TriggerInfo,
			PreparedInfo:    rec.PreparedInfo,
		}, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal schedule")
		}
		fmt.Println(string(data))
		return nil
	})
}

func runSchedulesCancel(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		if err := rt.engine.CancelSchedules(ctx, args...); err != nil {
			return err
		}
		pterm.Success.Printfln("Cancelled %d schedule(s)", len(args))
		return nil
	})
}

func runSchedulesLoad(cmd *cobra.Command, args []string) error {
	file, err := schedfile.Load(args[0])
	if err != nil {
		return err
	}
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		if err := rt.applyFile(ctx, file, schedfile.File{}); err != nil {
			return err
		}
		pterm.Success.Printfln("Loaded %d schedule(s) and %d constraint(s) from %s",
			len(file.Schedules), len(file.Constraints), args[0])
		return nil
	})
}
