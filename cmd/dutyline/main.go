package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dutyline/internal/app"
	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/engine"
	"dutyline/internal/migrate"
	"dutyline/internal/repo"
	"dutyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dutyline",
	Short: "Dutyline CLI",
	Long: `Dutyline runs the chapter's recurring duties, bounties and points ledger.
Schedules spawn task instances on a cadence; tasks unlock ahead of their due
date, escalate notifications as the deadline approaches, and expire with a
fine when missed. Run 'dutyline tick' from cron to drive the pipeline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("DUTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
}

func initCmd() *cobra.Command {
	var chapterID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(chapterID)), 0o644); err != nil {
				return err
			}
			fmt.Println("initialized workspace at", workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&chapterID, "chapter", "", "chapter identifier")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			return migrate.Migrate(conn)
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskUnclaimCmd())
	task.AddCommand(taskReassignCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, desc, taskType, assignee, due, unlock string
	var points, execLimit int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a one-off task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.TaskCreateOptions{
					Title:       title,
					Description: desc,
					Type:        taskType,
					PointsValue: points,
					AssignedTo:  assignee,
					ActorID:     viper.GetString("actor-id"),
				}
				var err error
				if opts.DueAt, err = parseFlagTime(due); err != nil {
					return err
				}
				if opts.UnlockAt, err = parseFlagTime(unlock); err != nil {
					return err
				}
				if cmd.Flags().Changed("execution-limit") {
					opts.ExecutionLimitDays = &execLimit
				}
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&taskType, "type", "one_off", "duty, bounty, project, one_off or ad_hoc")
	cmd.Flags().StringVar(&assignee, "assignee", "", "member id")
	cmd.Flags().StringVar(&due, "due", "", "due instant (RFC3339)")
	cmd.Flags().StringVar(&unlock, "unlock", "", "unlock instant (RFC3339)")
	cmd.Flags().IntVar(&points, "points", 0, "points value")
	cmd.Flags().IntVar(&execLimit, "execution-limit", 0, "days allowed after claiming")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, taskType, assignee, scheduleID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.TaskFilters{
					AssignedTo: assignee,
					ScheduleID: scheduleID,
					Limit:      limit,
				}
				if status != "" {
					f.Statuses = []string{status}
				}
				if taskType != "" {
					f.Types = []string{taskType}
				}
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Level", "Assignee", "Due"})
				for _, t := range tasks {
					assignee := ""
					if t.AssignedTo != nil {
						assignee = *t.AssignedTo
					}
					due := ""
					if t.DueAt != nil {
						due = t.DueAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.Status, t.NotificationLevel, assignee, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee")
	cmd.Flags().StringVar(&scheduleID, "schedule", "", "filter by schedule")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Claim(ctx, engine.ClaimOptions{TaskID: args[0], ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskSubmitCmd() *cobra.Command {
	var proofKey string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit proof for a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.SubmitProof(ctx, engine.SubmitOptions{
					TaskID:   args[0],
					ActorID:  viper.GetString("actor-id"),
					ProofKey: proofKey,
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&proofKey, "proof", "", "storage key of the proof object")
	_ = cmd.MarkFlagRequired("proof")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Approve(ctx, engine.ReviewOptions{TaskID: args[0], VerifierID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Reject(ctx, engine.ReviewOptions{
					TaskID:     args[0],
					VerifierID: viper.GetString("actor-id"),
					Reason:     reason,
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskUnclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unclaim <id>",
		Short: "Release a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Unclaim(ctx, engine.ClaimOptions{TaskID: args[0], ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskReassignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "reassign <id>",
		Short: "Reassign a task (empty --assignee clears it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var who *string
				if assignee != "" {
					who = &assignee
				}
				t, err := a.Engine.Reassign(ctx, engine.ReassignOptions{
					TaskID:      args[0],
					NewAssignee: who,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "new assignee member id")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteTask(ctx, args[0])
			})
		},
	}
}

func scheduleCmd() *cobra.Command {
	schedule := &cobra.Command{Use: "schedule", Short: "Manage recurrence schedules"}
	schedule.AddCommand(scheduleCreateCmd())
	schedule.AddCommand(scheduleListCmd())
	schedule.AddCommand(scheduleShowCmd())
	schedule.AddCommand(scheduleSetActiveCmd("activate", true))
	schedule.AddCommand(scheduleSetActiveCmd("deactivate", false))
	return schedule
}

func scheduleCreateCmd() *cobra.Command {
	var title, desc, rule, taskType, assignee string
	var lead, points, execLimit int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule and its first instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.ScheduleCreateOptions{
					Title:          title,
					Description:    desc,
					RecurrenceRule: rule,
					LeadTimeHours:  lead,
					TaskType:       taskType,
					PointsValue:    points,
					AssignedTo:     assignee,
					ActorID:        viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("execution-limit") {
					opts.ExecutionLimitDays = &execLimit
				}
				s, err := a.Engine.CreateSchedule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "schedule title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&rule, "rule", "", `recurrence rule: "7" or "FREQ=WEEKLY;BYDAY=FR;BYHOUR=17"`)
	cmd.Flags().StringVar(&taskType, "type", "duty", "task type for generated instances")
	cmd.Flags().StringVar(&assignee, "assignee", "", "default assignee")
	cmd.Flags().IntVar(&lead, "lead-hours", 0, "hours before due that instances unlock")
	cmd.Flags().IntVar(&points, "points", 0, "points value")
	cmd.Flags().IntVar(&execLimit, "execution-limit", 0, "days allowed after claiming")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				schedules, err := r.ListSchedules(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(schedules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Rule", "Type", "Active", "Assignee", "Last generated"})
				for _, s := range schedules {
					assignee := ""
					if s.AssignedTo != nil {
						assignee = *s.AssignedTo
					}
					last := ""
					if s.LastGeneratedAt != nil {
						last = s.LastGeneratedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{s.ID, s.Title, s.RecurrenceRule, s.TaskType, s.Active, assignee, last})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active schedules")
	return cmd
}

func scheduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func scheduleSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetScheduleActive(ctx, args[0], active, time.Now().UTC())
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{Use: "ledger", Short: "Points ledger"}
	var limit int
	show := &cobra.Command{
		Use:   "show <member-id>",
		Short: "Show a member's balance and entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				balance, err := r.MemberBalance(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := r.ListPointEntries(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"member_id": args[0], "balance": balance, "entries": entries})
				}
				fmt.Printf("%s balance: %d\n", args[0], balance)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Amount", "Category", "Reason", "At"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.Amount, e.Category, e.Reason, e.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	show.Flags().IntVar(&limit, "limit", 50, "max entries")
	ledger.AddCommand(show)
	return ledger
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	var limit int
	var evtType, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, limit, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "max events")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type")
	tail.Flags().StringVar(&entityID, "entity", "", "filter by entity id")
	log.AddCommand(tail)
	return log
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run the escalation pipeline and schedule guard once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reports := a.Pipeline.Run(ctx)
				if viper.GetBool("json") {
					type jsonReport struct {
						Job       string   `json:"job"`
						Processed int      `json:"processed"`
						Errors    []string `json:"errors,omitempty"`
					}
					out := make([]jsonReport, 0, len(reports))
					for _, r := range reports {
						jr := jsonReport{Job: r.Job, Processed: r.Processed}
						for _, err := range r.Errors {
							jr.Errors = append(jr.Errors, err.Error())
						}
						out = append(out, jr)
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Processed", "Failures"})
				failures := 0
				for _, r := range reports {
					tw.AppendRow(table.Row{r.Job, r.Processed, len(r.Errors)})
					failures += len(r.Errors)
					for _, err := range r.Errors {
						fmt.Fprintln(os.Stderr, r.Job+":", err)
					}
				}
				tw.Render()
				if failures > 0 {
					return fmt.Errorf("%d task failures; see stderr", failures)
				}
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("DUTYLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("DUTYLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Pipeline: a.Pipeline,
					Store:    a.Store,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				fmt.Println("listening on", addr)
				return http.ListenAndServe(addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(ctx, app.Options{
		Workspace:    viper.GetString("workspace"),
		DiscordToken: os.Getenv("DUTYLINE_DISCORD_TOKEN"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseFlagTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid instant %q, want RFC3339: %w", v, err)
	}
	return &t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
