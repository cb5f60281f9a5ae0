package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pinklemonade/internal/app"
	"pinklemonade/internal/config"
	"pinklemonade/internal/db"
	"pinklemonade/internal/domain"
	"pinklemonade/internal/migrate"
	"pinklemonade/internal/repo"
	"pinklemonade/internal/server"
	"pinklemonade/internal/stage"
	"pinklemonade/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pink Lemonade CLI",
	Long: `Pink Lemonade tracks grant applications for nonprofits through a staged pipeline.
Core concepts:
- Workspace: your .pinklemonade directory holding only the database; configs live in the DB and are imported explicitly.
- Org: the nonprofit that owns all grants, checklists, and events.
- Grants: applications that flow discovery -> researching -> planning -> writing -> review -> submitted -> awarded -> reporting, or exit to declined.
- Stages: each stage knows its required fields, typical duration, and automatic follow-up actions.
- Checklists: per-stage task lists seeded from templates (federal funders get SAM.gov extras); items are checked off by key.
- Pipeline: the aggregate view with per-stage counts, potential dollars, and success rate.
- Event log: diary of changes, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PINKLEMONADE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("org", "PINKLEMONADE_ORG", "PINKLEMONADE_DEFAULT_ORG")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage orgs"}
	org.AddCommand(orgListCmd())
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgShowCmd())
	org.AddCommand(orgUseCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orgs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func orgCreateCmd() *cobra.Command {
	var id, name, mission string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create org",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if name == "" {
				name = id
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o := domain.Org{
					ID:        id,
					Name:      name,
					Status:    "active",
					Mission:   mission,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertOrg(ctx, o); err != nil {
					return err
				}
				cfg := config.Default(id)
				cfg.Org.Name = name
				if err := r.UpsertOrgConfig(ctx, id, cfg); err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "org id")
	cmd.Flags().StringVar(&name, "name", "", "org name")
	cmd.Flags().StringVar(&mission, "mission", "", "mission statement")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				o, err := m.Repo.GetOrg(ctx, m.Config.Org.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orgUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current org for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := strings.TrimSpace(args[0])
			if orgID == "" {
				return fmt.Errorf("org id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PINKLEMONADE_DEFAULT_ORG", orgID); err != nil {
				return err
			}
			fmt.Printf("Set PINKLEMONADE_DEFAULT_ORG=%s in %s/.env\n", orgID, workspace)
			return nil
		},
	}
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage org config",
	}
	cfg.AddCommand(orgConfigShowCmd())
	cfg.AddCommand(orgConfigImportCmd())
	return cfg
}

func orgConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show org config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				return printJSONOrTable(m.Config)
			})
		},
	}
	return cmd
}

func orgConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import org config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			orgID := cfg.Org.ID
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				if orgID == "" {
					orgID = m.Config.Org.ID
				}
				if err := m.Repo.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect org config",
		Long:  "Config is the rulebook (stored in DB): org identity, checklist template overrides, webhooks, and auth settings. Import from pinklemonade.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				return printJSONOrTable(m.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				return m.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show org status",
		Long:  "See the scoreboard for your org: grant counts per stage and overall org state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				o, err := m.Repo.GetOrg(ctx, m.Config.Org.ID)
				if err != nil {
					return err
				}
				counts, err := m.Repo.CountGrantsByStage(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"org_id":       o.ID,
						"status":       o.Status,
						"grant_counts": counts,
					})
				}
				fmt.Printf("Org: %s (%s)\n", o.ID, o.Status)
				fmt.Println("Grants:")
				for _, key := range stage.Keys() {
					if c := counts[key]; c > 0 {
						fmt.Printf("  %s: %d\n", key, c)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func grantCmd() *cobra.Command {
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Manage grants",
		Long:  "Grants are the applications. They flow through the stage pipeline, carry per-stage checklists, and record every move in their activity log.",
	}
	grant.AddCommand(grantCreateCmd())
	grant.AddCommand(grantListCmd())
	grant.AddCommand(grantGetCmd())
	grant.AddCommand(grantUpdateCmd())
	grant.AddCommand(grantMoveCmd())
	grant.AddCommand(grantBatchMoveCmd())
	grant.AddCommand(grantChecklistCmd())
	return grant
}

func grantCreateCmd() *cobra.Command {
	var opts workflow.GrantCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				if opts.OrgID == "" {
					opts.OrgID = m.Config.Org.ID
				}
				g, err := m.CreateGrant(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "grant id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.OrgID, "org-id", "", "org id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Funder, "funder", "", "funder name")
	cmd.Flags().Int64Var(&opts.AmountMin, "amount-min-cents", 0, "minimum amount in cents")
	cmd.Flags().Int64Var(&opts.AmountMax, "amount-max-cents", 0, "maximum amount in cents")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Eligibility, "eligibility", "", "eligibility notes")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("funder")
	return cmd
}

func grantListCmd() *cobra.Command {
	var f repo.GrantFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				if f.OrgID == "" {
					f.OrgID = m.Config.Org.ID
				}
				grants, err := m.Repo.ListGrants(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Funder", "Stage", "Status", "Priority", "Deadline"})
				for _, g := range grants {
					deadline := ""
					if g.Deadline != nil {
						deadline = *g.Deadline
					}
					tw.AppendRow(table.Row{g.ID, g.Title, g.Funder, g.ApplicationStage, g.Status, g.PriorityLevel, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OrgID, "org-id", "", "org id")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Funder, "funder", "", "funder substring filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func grantGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				g, err := m.Repo.GetGrant(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func grantUpdateCmd() *cobra.Command {
	var title, funder, deadline, eligibility, submittedAt string
	var amountMin, amountMax, awardAmount int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := workflow.GrantUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("funder") {
				opts.Funder = &funder
			}
			if cmd.Flags().Changed("amount-min-cents") {
				opts.AmountMin = &amountMin
			}
			if cmd.Flags().Changed("amount-max-cents") {
				opts.AmountMax = &amountMax
			}
			if cmd.Flags().Changed("deadline") {
				opts.Deadline = &deadline
			}
			if cmd.Flags().Changed("eligibility") {
				opts.Eligibility = &eligibility
			}
			if cmd.Flags().Changed("submitted-at") {
				opts.SubmittedAt = &submittedAt
			}
			if cmd.Flags().Changed("award-amount-cents") {
				opts.AwardAmount = &awardAmount
			}
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				g, err := m.UpdateGrant(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&funder, "funder", "", "funder name")
	cmd.Flags().Int64Var(&amountMin, "amount-min-cents", 0, "minimum amount in cents")
	cmd.Flags().Int64Var(&amountMax, "amount-max-cents", 0, "maximum amount in cents")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&eligibility, "eligibility", "", "eligibility notes")
	cmd.Flags().StringVar(&submittedAt, "submitted-at", "", "submission timestamp")
	cmd.Flags().Int64Var(&awardAmount, "award-amount-cents", 0, "award amount in cents")
	return cmd
}

func grantMoveCmd() *cobra.Command {
	var target, notes string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move grant to a stage",
		Long:  "Moves follow the stage chain; declined is reachable from any non-terminal stage. Use --force to skip the ordering check (required fields still apply).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				res, err := m.MoveToStage(ctx, workflow.MoveOptions{
					GrantID: args[0],
					Stage:   target,
					Notes:   notes,
					ActorID: viper.GetString("actor-id"),
					Force:   viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "stage", "", "target stage")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the activity log")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func grantBatchMoveCmd() *cobra.Command {
	var ids []string
	var target, notes string
	cmd := &cobra.Command{
		Use:   "batch-move",
		Short: "Move several grants to a stage",
		Long:  "Best-effort: each grant moves in its own transaction, and failures are reported without rolling back earlier moves.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				res, err := m.BatchMove(ctx, ids, target, notes, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Moved: %d, Failed: %d\n", len(res.Moved), len(res.Failed))
				for _, f := range res.Failed {
					fmt.Printf("  %s: %s\n", f.GrantID, f.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&ids, "id", []string{}, "grant id (repeatable)")
	cmd.Flags().StringVar(&target, "stage", "", "target stage")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the activity log")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func grantChecklistCmd() *cobra.Command {
	checklist := &cobra.Command{
		Use:   "checklist",
		Short: "Manage grant checklists",
	}
	checklist.AddCommand(grantChecklistShowCmd())
	checklist.AddCommand(grantChecklistCheckCmd("check", true))
	checklist.AddCommand(grantChecklistCheckCmd("uncheck", false))
	return checklist
}

func grantChecklistShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <grant-id>",
		Short: "Show checklist for the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				status, err := m.StageChecklist(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Task", "Priority", "Done"})
				for _, item := range status.Items {
					done := ""
					if item.Completed {
						done = "x"
					}
					tw.AppendRow(table.Row{item.Key, item.Task, item.Priority, done})
				}
				tw.Render()
				fmt.Printf("Stage: %s, completed %d/%d (%.0f%%)\n",
					status.Stage, status.CompletedCount, len(status.Items), status.CompletionRate*100)
				if status.ReadyToAdvance {
					fmt.Println("Ready to advance")
				}
				return nil
			})
		},
	}
	return cmd
}

func grantChecklistCheckCmd(use string, completed bool) *cobra.Command {
	short := "Mark a checklist item complete"
	if !completed {
		short = "Mark a checklist item incomplete"
	}
	cmd := &cobra.Command{
		Use:   use + " <grant-id> <item-key>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				status, err := m.UpdateChecklistItem(ctx, args[0], args[1], completed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	return cmd
}

func stagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the stage registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := stage.All()
			if viper.GetBool("json") {
				return printJSON(infos)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Order", "Key", "Name", "Next", "Required", "Typical Days"})
			for _, s := range infos {
				tw.AppendRow(table.Row{s.Order, s.Key, s.Name, s.Next, strings.Join(s.RequiredFields, ","), s.TypicalDays})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Show pipeline status",
		Long:  "The scoreboard for your org: grants per stage, potential dollars, success rate, and the next deadline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				p, err := m.PipelineStatus(ctx, m.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Count", "Potential"})
				for _, b := range p.Stages {
					tw.AppendRow(table.Row{b.Name, b.Count, formatCents(b.PotentialCents)})
				}
				tw.Render()
				met := p.Metrics
				fmt.Printf("Grants: %d total, %d in progress, %d awarded, %d declined\n",
					met.TotalGrants, met.InProgress, met.Awarded, met.Declined)
				fmt.Printf("Potential: %s, Awarded: %s, Success rate: %.0f%%\n",
					formatCents(met.PotentialCents), formatCents(met.AwardedCents), met.SuccessRate*100)
				if met.NextDeadline != nil {
					fmt.Printf("Next deadline: %s\n", *met.NextDeadline)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: grant changes, stage moves, checklist updates.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				events, err := m.Repo.LatestEvents(ctx, m.Config.Org.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate HTTP clients via the X-Api-Key header. Only the SHA-256 hash is stored; the raw key is printed once at creation.",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withManager(cmd.Context(), func(ctx context.Context, m workflow.Manager) error {
				raw := "plk_" + uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    userID,
					OrgID:     m.Config.Org.ID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := m.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "key": raw, "user_id": k.UserID, "org_id": k.OrgID, "name": k.Name})
				}
				fmt.Printf("API key created: %s\n", k.ID)
				fmt.Printf("Key (save it now, it is not stored): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Org", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.OrgID, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to actor-id)")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0], userID)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to actor-id)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			m := workflow.New(conn, cfg, log)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PINKLEMONADE_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("PINKLEMONADE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Manager: m, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(m, log)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pink Lemonade API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withManager(ctx context.Context, fn func(context.Context, workflow.Manager) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrgAndConfig(ctx, viper.GetString("org"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	m := workflow.New(conn, cfg, zap.NewNop())
	return fn(ctx, m)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
