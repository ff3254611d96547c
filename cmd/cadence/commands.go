package main

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/cadence/internal/config"
	"github.com/kalambet/cadence/internal/hybrid"
	"github.com/kalambet/cadence/internal/tracker"
)

// parseDay parses a YYYY-MM-DD argument as a UTC calendar date.
func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

// taskItem is a task as the daemon renders it.
type taskItem struct {
	tracker.Task
	TimeSpentLabel string `json:"time_spent_label"`
	DaysLeft       int    `json:"days_left"`
}

type taskMutation struct {
	Task tracker.Task `json:"task"`
	Sync syncResult   `json:"sync"`
}

type milestoneMutation struct {
	Milestone tracker.Milestone `json:"milestone"`
	Sync      syncResult        `json:"sync"`
}

type settingsMutation struct {
	Settings tracker.Settings `json:"settings"`
	Sync     syncResult       `json:"sync"`
}

type removeMutation struct {
	Sync syncResult `json:"sync"`
}

type syncStatusResponse struct {
	Online bool                    `json:"online"`
	Remote bool                    `json:"remote"`
	Owner  string                  `json:"owner"`
	Slots  map[string]hybrid.State `json:"slots"`
}

func printSyncStatus(st syncStatusResponse) {
	if st.Online {
		printStatus("Online", "yes")
	} else {
		printStatus("Online", "%s", colorize(colorYellow, "no"))
	}
	if st.Owner != "" {
		printStatus("Owner", "%s", st.Owner)
	}
	keys := make([]string, 0, len(st.Slots))
	for k := range st.Slots {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		s := st.Slots[k]
		line := fmt.Sprintf("%s (v%d)", colorize(statusColor(s.Status.String()), s.Status.String()), s.Version)
		if s.LastPull != "" {
			line += colorize(colorDim, " last pull: "+string(s.LastPull))
		}
		printStatus(k, "%s", line)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printTasks(tasks []taskItem) {
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}
	for _, t := range tasks {
		check := "[ ]"
		if t.Completed {
			check = colorize(colorGreen, "[x]")
		}
		due := "no due date"
		if !t.DueDate.IsZero() {
			due = fmt.Sprintf("%s (%dd)", t.DueDate.Format(time.DateOnly), t.DaysLeft)
		}
		fmt.Printf("%s %s  %-30s  %-6s  %s  %s\n",
			check, colorize(colorDim, shortID(t.ID)), t.Name, t.Priority, due, t.TimeSpentLabel)
	}
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a task",
	Long: `Add a task.

Examples:
  cadence task add "Read chapter 4" --due 2025-10-12 --priority high
  cadence task add "Lab report" --milestone 6f1c... --description "start with the data tables"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		due, _ := cmd.Flags().GetString("due")
		priority, _ := cmd.Flags().GetString("priority")
		description, _ := cmd.Flags().GetString("description")
		milestone, _ := cmd.Flags().GetString("milestone")

		req := map[string]any{"name": args[0]}
		if due != "" {
			d, err := parseDay(due)
			if err != nil {
				return err
			}
			req["due_date"] = d
		}
		if priority != "" {
			req["priority"] = priority
		}
		if description != "" {
			req["description"] = description
		}
		if milestone != "" {
			req["milestone_id"] = milestone
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tasks", req)
		if err != nil {
			return err
		}
		var result taskMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Added task %s (%s)", result.Task.Name, shortID(result.Task.ID))
		printSync(result.Sync)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		imminent, _ := cmd.Flags().GetBool("imminent")
		completed, _ := cmd.Flags().GetBool("completed")
		milestone, _ := cmd.Flags().GetString("milestone")

		path := "/tasks"
		switch {
		case milestone != "":
			path = "/milestones/" + url.PathEscape(milestone) + "/tasks"
		case imminent:
			path = "/tasks/imminent"
		case completed:
			path = "/tasks/completed"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result struct {
			Tasks []taskItem `json:"tasks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printTasks(result.Tasks)
		return nil
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]any{}
		for _, f := range []string{"name", "description", "priority", "milestone"} {
			if cmd.Flags().Changed(f) {
				v, _ := cmd.Flags().GetString(f)
				key := f
				if f == "milestone" {
					key = "milestone_id"
				}
				patch[key] = v
			}
		}
		if cmd.Flags().Changed("due") {
			v, _ := cmd.Flags().GetString("due")
			d, err := parseDay(v)
			if err != nil {
				return err
			}
			patch["due_date"] = d
		}
		if len(patch) == 0 {
			return fmt.Errorf("nothing to change, pass at least one of --name, --due, --priority, --description, --milestone")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/tasks/"+url.PathEscape(args[0]), patch)
		if err != nil {
			return err
		}
		var result taskMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Updated task %s", result.Task.Name)
		printSync(result.Sync)
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Toggle a task between complete and incomplete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/toggle", nil)
		if err != nil {
			return err
		}
		var result taskMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Task.Completed {
			printSuccess("Completed %s", result.Task.Name)
		} else {
			printSuccess("Reopened %s", result.Task.Name)
		}
		printSync(result.Sync)
		return nil
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return removeResource(cmd.Context(), "/tasks/"+url.PathEscape(args[0]), "task")
	},
}

var taskLogCmd = &cobra.Command{
	Use:   "log <id> <minutes>",
	Short: "Log time spent on a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || minutes <= 0 {
			return fmt.Errorf("minutes must be a positive integer, got %q", args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/time", map[string]any{"seconds": minutes * 60})
		if err != nil {
			return err
		}
		var result taskMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s: %s", result.Task.Name, tracker.FormatTimeSpent(result.Task.TimeSpent))
		printSync(result.Sync)
		return nil
	},
}

func init() {
	taskAddCmd.Flags().String("due", "", "due date (YYYY-MM-DD)")
	taskAddCmd.Flags().String("priority", "", "high, medium or low")
	taskAddCmd.Flags().String("description", "", "approach or notes")
	taskAddCmd.Flags().String("milestone", "", "milestone ID")

	taskListCmd.Flags().Bool("imminent", false, "only incomplete tasks, soonest first")
	taskListCmd.Flags().Bool("completed", false, "only completed tasks")
	taskListCmd.Flags().String("milestone", "", "only tasks of this milestone")

	taskEditCmd.Flags().String("name", "", "new name")
	taskEditCmd.Flags().String("due", "", "new due date (YYYY-MM-DD)")
	taskEditCmd.Flags().String("priority", "", "high, medium or low")
	taskEditCmd.Flags().String("description", "", "approach or notes")
	taskEditCmd.Flags().String("milestone", "", "milestone ID, empty to detach")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskEditCmd)
	taskCmd.AddCommand(taskDoneCmd)
	taskCmd.AddCommand(taskRmCmd)
	taskCmd.AddCommand(taskLogCmd)
}

func removeResource(ctx context.Context, path, what string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.delete(ctx, path)
	if err != nil {
		return err
	}
	var result removeMutation
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Removed %s", what)
	printSync(result.Sync)
	return nil
}

// --- milestone ---

var milestoneCmd = &cobra.Command{
	Use:   "milestone",
	Short: "Manage milestones",
}

var milestoneAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a milestone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dateStr, _ := cmd.Flags().GetString("date")
		color, _ := cmd.Flags().GetString("color")
		description, _ := cmd.Flags().GetString("description")

		if dateStr == "" {
			return fmt.Errorf("--date is required")
		}
		date, err := parseDay(dateStr)
		if err != nil {
			return err
		}
		req := map[string]any{"name": args[0], "date": date}
		if color != "" {
			req["color"] = color
		}
		if description != "" {
			req["description"] = description
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/milestones", req)
		if err != nil {
			return err
		}
		var result milestoneMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Added milestone %s (%s)", result.Milestone.Name, shortID(result.Milestone.ID))
		printSync(result.Sync)
		return nil
	},
}

var milestoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List milestones by date",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/milestones")
		if err != nil {
			return err
		}
		var result struct {
			Milestones []tracker.Milestone `json:"milestones"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Milestones) == 0 {
			fmt.Println("No milestones.")
			return nil
		}
		for _, m := range result.Milestones {
			check := "[ ]"
			if m.Completed {
				check = colorize(colorGreen, "[x]")
			}
			fmt.Printf("%s %s  %s  %s\n", check, colorize(colorDim, shortID(m.ID)), m.Date.Format(time.DateOnly), m.Name)
		}
		return nil
	},
}

var milestoneDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Toggle a milestone between complete and incomplete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/milestones/"+url.PathEscape(args[0])+"/toggle", nil)
		if err != nil {
			return err
		}
		var result milestoneMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Milestone.Completed {
			printSuccess("Completed %s", result.Milestone.Name)
		} else {
			printSuccess("Reopened %s", result.Milestone.Name)
		}
		printSync(result.Sync)
		return nil
	},
}

var milestoneRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a milestone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return removeResource(cmd.Context(), "/milestones/"+url.PathEscape(args[0]), "milestone")
	},
}

func init() {
	milestoneAddCmd.Flags().String("date", "", "milestone date (YYYY-MM-DD)")
	milestoneAddCmd.Flags().String("color", "", "hex color, e.g. #6366f1")
	milestoneAddCmd.Flags().String("description", "", "optional description")

	milestoneCmd.AddCommand(milestoneAddCmd)
	milestoneCmd.AddCommand(milestoneListCmd)
	milestoneCmd.AddCommand(milestoneDoneCmd)
	milestoneCmd.AddCommand(milestoneRmCmd)
}

// --- settings and overview ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var s tracker.Settings
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printStatus("Theme", "%s", s.Theme)
		printStatus("Semester", "%s to %s", s.SemesterStart.Format(time.DateOnly), s.SemesterEnd.Format(time.DateOnly))
		return nil
	},
}

var settingsThemeCmd = &cobra.Command{
	Use:   "theme",
	Short: "Toggle between light and dark theme",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/settings/theme/toggle", nil)
		if err != nil {
			return err
		}
		var result settingsMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Theme is now %s", result.Settings.Theme)
		printSync(result.Sync)
		return nil
	},
}

var settingsSemesterCmd = &cobra.Command{
	Use:   "semester <start> <end>",
	Short: "Set semester start and end dates (YYYY-MM-DD)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseDay(args[0])
		if err != nil {
			return err
		}
		end, err := parseDay(args[1])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/settings/semester", map[string]any{"start": start, "end": end})
		if err != nil {
			return err
		}
		var result settingsMutation
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Semester set to %s .. %s",
			result.Settings.SemesterStart.Format(time.DateOnly), result.Settings.SemesterEnd.Format(time.DateOnly))
		printSync(result.Sync)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsThemeCmd)
	settingsCmd.AddCommand(settingsSemesterCmd)
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show semester progress and the milestone timeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/overview")
		if err != nil {
			return err
		}
		var o tracker.Overview
		if err := decodeJSON(resp, &o); err != nil {
			return err
		}
		printStatus("Semester", "%s to %s", o.SemesterStart.Format(time.DateOnly), o.SemesterEnd.Format(time.DateOnly))
		printStatus("Progress", "%s (%d days remaining)", progressBar(o.PercentComplete, 30), o.DaysRemaining)
		printStatus("Tasks", "%d of %d complete", o.CompletedTasks, o.TotalTasks)
		for _, m := range o.Milestones {
			fmt.Printf("    %5.1f%%  %s  %s (%dd)\n", m.Position, m.Date.Format(time.DateOnly), m.Name, m.DaysLeft)
		}
		return nil
	},
}

// progressBar renders pct (0..100) as a fixed-width bar.
func progressBar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	filled = max(0, min(width, filled))
	return fmt.Sprintf("[%s%s] %.0f%%", strings.Repeat("#", filled), strings.Repeat("-", width-filled), pct)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and control remote synchronization",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-collection sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sync")
		if err != nil {
			return err
		}
		var st syncStatusResponse
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if !st.Remote {
			printStatus("Remote", "not configured (local-only)")
		}
		printSyncStatus(st)
		return nil
	},
}

var syncForceCmd = &cobra.Command{
	Use:   "force",
	Short: "Pull everything from the remote store, replacing local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync/force", nil)
		if err != nil {
			return err
		}
		var result struct {
			Results map[string]bool `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		keys := make([]string, 0, len(result.Results))
		for k := range result.Results {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if result.Results[k] {
				printSuccess("%s synced", k)
			} else {
				printWarning("%s not synced", k)
			}
		}
		return nil
	},
}

var syncRemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Count the records held by the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sync/remote")
		if err != nil {
			return err
		}
		var result struct {
			Owner  string         `json:"owner"`
			Counts map[string]int `json:"counts"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printStatus("Owner", "%s", result.Owner)
		for _, model := range []string{"tasks", "milestones", "settings"} {
			printStatus(model, "%d", result.Counts[model])
		}
		return nil
	},
}

func setOnline(ctx context.Context, online bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.put(ctx, "/connectivity", map[string]bool{"online": online})
	if err != nil {
		return err
	}
	var result struct {
		Online  bool `json:"online"`
		Changed bool `json:"changed"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	state := "offline"
	if result.Online {
		state = "online"
	}
	if result.Changed {
		printSuccess("Now %s", state)
	} else {
		printStep("Already %s", state)
	}
	return nil
}

var syncOnlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Pin the remote store as reachable until `sync auto`",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOnline(cmd.Context(), true)
	},
}

var syncOfflineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Work offline until `sync auto`; changes stay local",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOnline(cmd.Context(), false)
	},
}

var syncAutoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Clear a manual online/offline setting and probe the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/connectivity")
		if err != nil {
			return err
		}
		var result struct {
			Online bool `json:"online"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Online {
			printSuccess("Connectivity is automatic; remote store reachable")
		} else {
			printWarning("Connectivity is automatic; remote store unreachable")
		}
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncForceCmd)
	syncCmd.AddCommand(syncRemoteCmd)
	syncCmd.AddCommand(syncOnlineCmd)
	syncCmd.AddCommand(syncOfflineCmd)
	syncCmd.AddCommand(syncAutoCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store the remote store access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetRemoteToken(config.NewKeychain(), args[0]); err != nil {
			return err
		}
		printSuccess("Remote token saved")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}
