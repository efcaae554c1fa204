package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"workgate/internal/app"
	"workgate/internal/config"
	"workgate/internal/db"
	"workgate/internal/domain"
	"workgate/internal/engine"
	"workgate/internal/events"
	"workgate/internal/gates"
	"workgate/internal/migrate"
	"workgate/internal/server"
	"workgate/internal/statemachine"
)

var rootCmd = &cobra.Command{
	Use:   "wg",
	Short: "Workgate CLI",
	Long: `Workgate governs how work items move through their lifecycle.
Every status or phase change goes through one validation pipeline: the state
machine rejects illegal edges, dependencies and blockers must clear, project
rules apply their enforcement level, and phase gates check the evidence
before a phase advances. Committed changes land in an audit log you can tail
with 'wg log tail'.`,
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
	viper.SetEnvPrefix("WORKGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("session-ref", "", "session reference recorded on audit events")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("session-ref", rootCmd.PersistentFlags().Lookup("session-ref"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(blockerCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project",
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
			cfg := config.Default(id)
			bus, stop := newBus(conn, cfg)
			defer stop()
			e := engine.New(conn, cfg, bus, nil)
			p, err := e.InitProject(cmd.Context(), engine.ProjectCreateOptions{
				ID:          id,
				Title:       title,
				Description: desc,
				ActorID:     viper.GetString("actor-id"),
				SessionRef:  viper.GetString("session-ref"),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetEntity(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "WORKGATE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set WORKGATE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(projectConfigInitCmd())
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default workgate.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "my-project"
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s. Edit it, then run 'wg project config import --file %s'.\n", path, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML and re-seed phase gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := cfg.Project.ID
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.ImportConfig(ctx, projectID, cfg); err != nil {
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

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Manage work items and tasks",
		Long:  "Entities are the governed units of work. Work items hold tasks as children; dependencies must be done before dependents start, and phase gates inspect children before a phase advances.",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityGetCmd())
	ent.AddCommand(entityTreeCmd())
	ent.AddCommand(entityTargetsCmd())
	ent.AddCommand(entitySetMetaCmd())
	ent.AddCommand(entityDepCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var opts engine.EntityCreateOptions
	var entityType string
	var dependsOn []string
	var meta []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item or task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Type = domain.EntityType(entityType)
			opts.DependsOn = dependsOn
			opts.ActorID = viper.GetString("actor-id")
			opts.SessionRef = viper.GetString("session-ref")
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			opts.Metadata = metadata
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				entity, err := e.CreateEntity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(entity)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent entity id")
	cmd.Flags().StringVar(&entityType, "type", "work_item", "entity type (work_item or task)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind label checked by phase gates (design, implementation, testing, ...)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency entity id (repeatable)")
	cmd.Flags().StringArrayVar(&meta, "meta", []string{}, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func entityListCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEntities(ctx, e.Config.Project.ID, domain.EntityType(entityType))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Phase"})
				for _, item := range items {
					phase := ""
					if item.Phase != nil {
						phase = string(*item.Phase)
					}
					tw.AppendRow(table.Row{item.ID, item.Type, item.Title, item.Status, phase})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "type filter (work_item, task, project)")
	return cmd
}

func entityGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entity, err := e.Repo.GetEntity(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(entity)
			})
		},
	}
	return cmd
}

func entityTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the entity hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEntities(ctx, e.Config.Project.ID, "")
				if err != nil {
					return err
				}
				nodes := map[string][]domain.Entity{}
				var roots []domain.Entity
				for _, item := range items {
					if item.ParentID != nil {
						nodes[*item.ParentID] = append(nodes[*item.ParentID], item)
					} else if item.Type != domain.EntityProject {
						roots = append(roots, item)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Entity   domain.Entity `json:"entity"`
						Children []Node        `json:"children,omitempty"`
					}
					var build func(item domain.Entity) Node
					build = func(item domain.Entity) Node {
						var childNodes []Node
						for _, c := range nodes[item.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{Entity: item, Children: childNodes}
					}
					var treeNodes []Node
					for _, r := range roots {
						treeNodes = append(treeNodes, build(r))
					}
					return printJSON(treeNodes)
				}
				for _, r := range roots {
					printEntityTree(r, nodes, "", true)
				}
				return nil
			})
		},
	}
	return cmd
}

func entityTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets <id>",
		Short: "Show legal target statuses from the current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entity, err := e.Repo.GetEntity(ctx, id)
				if err != nil {
					return err
				}
				targets := statemachine.Targets(entity.Type, entity.Status)
				return printJSONOrTable(map[string]any{
					"entity_id": entity.ID,
					"status":    entity.Status,
					"targets":   targets,
				})
			})
		},
	}
	return cmd
}

func entitySetMetaCmd() *cobra.Command {
	var description string
	var meta []string
	cmd := &cobra.Command{
		Use:   "set-meta <id>",
		Short: "Update description and metadata (empty value deletes a key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			var descPtr *string
			if cmd.Flags().Changed("description") {
				descPtr = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entity, err := e.SetMetadata(ctx, id, descPtr, metadata)
				if err != nil {
					return err
				}
				return printJSONOrTable(entity)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringArrayVar(&meta, "meta", []string{}, "metadata key=value, key= deletes (repeatable)")
	return cmd
}

func entityDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage dependency edges"}
	dep.AddCommand(entityDepAddCmd())
	dep.AddCommand(entityDepRemoveCmd())
	return dep
}

func entityDepAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id> <depends-on>...",
		Short: "Add dependencies (cycles are refused)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, deps := args[0], args[1:]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entity, err := e.AddDependencies(ctx, id, deps)
				if err != nil {
					return err
				}
				return printJSONOrTable(entity)
			})
		},
	}
	return cmd
}

func entityDepRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id> <depends-on>...",
		Short: "Remove dependencies",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, deps := args[0], args[1:]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entity, err := e.RemoveDependencies(ctx, id, deps)
				if err != nil {
					return err
				}
				return printJSONOrTable(entity)
			})
		},
	}
	return cmd
}

func transitionCmd() *cobra.Command {
	var status, phase, reason string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Request a status or phase transition",
		Long:  "Runs the full validation pipeline and commits on success. A rejected or illegal transition is a normal outcome, not a command error; the exit code stays zero and the outcome explains itself.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildTransitionRequest(args[0], status, phase, reason)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, req)
				if err != nil && res.Outcome != engine.OutcomeInternal {
					return err
				}
				return printTransitionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&phase, "phase", "", "target phase")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the audit event")
	return cmd
}

func validateCmd() *cobra.Command {
	var status, phase string
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Dry-run a transition without committing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildTransitionRequest(args[0], status, phase, "")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ValidateOnly(ctx, req)
				if err != nil && res.Outcome != engine.OutcomeInternal {
					return err
				}
				return printTransitionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&phase, "phase", "", "target phase")
	return cmd
}

func buildTransitionRequest(entityID, status, phase, reason string) (domain.TransitionRequest, error) {
	if (status == "") == (phase == "") {
		return domain.TransitionRequest{}, fmt.Errorf("exactly one of --status or --phase is required")
	}
	req := domain.TransitionRequest{
		EntityID:   entityID,
		Reason:     reason,
		ActorID:    viper.GetString("actor-id"),
		SessionRef: viper.GetString("session-ref"),
	}
	if status != "" {
		s := domain.Status(status)
		req.TargetStatus = &s
	}
	if phase != "" {
		p := domain.Phase(phase)
		req.TargetPhase = &p
	}
	return req, nil
}

func printTransitionResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Outcome: %s\n", res.Outcome)
	if res.Message != "" {
		fmt.Println(res.Message)
	}
	if res.Outcome == engine.OutcomeOK {
		phase := ""
		if res.Entity.Phase != nil {
			phase = " / " + string(*res.Entity.Phase)
		}
		fmt.Printf("%s is now %s%s\n", res.Entity.ID, res.Entity.Status, phase)
	}
	if len(res.Validation.Violations) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Source", "Level", "Message", "Hint"})
		for _, v := range res.Validation.Violations {
			tw.AppendRow(table.Row{v.Source, v.Enforcement, v.Message, v.Hint})
		}
		tw.Render()
	}
	if res.AuditDegraded {
		fmt.Println("warning: audit event was not recorded (queue saturated)")
	}
	return nil
}

func blockerCmd() *cobra.Command {
	blk := &cobra.Command{
		Use:   "blocker",
		Short: "Manage blockers",
		Long:  "Blockers record impediments. An entity with open blockers cannot complete or resume; moving it to blocked status is a separate, audited transition.",
	}
	blk.AddCommand(blockerOpenCmd())
	blk.AddCommand(blockerListCmd())
	blk.AddCommand(blockerResolveCmd())
	return blk
}

func blockerOpenCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "open <entity-id>",
		Short: "Open a blocker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.OpenBlocker(ctx, id, summary)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "what is blocking")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func blockerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List open blockers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOpenBlockers(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func blockerResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <blocker-id>",
		Short: "Resolve a blocker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ResolveBlocker(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage governance rules",
		Long:  "Rules evaluate on every transition in deterministic id order. block rejects, limit and guide warn. Edits drop the project's cached rule set immediately.",
	}
	rule.AddCommand(rulePutCmd())
	rule.AddCommand(ruleImportCmd())
	rule.AddCommand(ruleExportCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleEnableCmd(true))
	rule.AddCommand(ruleEnableCmd(false))
	rule.AddCommand(ruleDeleteCmd())
	return rule
}

func rulePutCmd() *cobra.Command {
	var category, enforcement, hint string
	var pattern domain.Pattern
	var kind, operator, field, check string
	var values []string
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Create or update a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			pattern.Kind = domain.PatternKind(kind)
			pattern.Field = field
			pattern.Operator = operator
			pattern.Check = check
			pattern.Values = values
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.PutRule(ctx, domain.Rule{
					ID:          id,
					ProjectID:   e.Config.Project.ID,
					Category:    category,
					Pattern:     pattern,
					Enforcement: domain.EnforcementLevel(enforcement),
					Enabled:     true,
					Hint:        hint,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "rule category")
	cmd.Flags().StringVar(&enforcement, "enforcement", "block", "enforcement level (block, limit, guide)")
	cmd.Flags().StringVar(&kind, "pattern", "", "pattern kind (threshold, presence, coverage, enum_membership, custom)")
	cmd.Flags().StringVar(&field, "field", "", "field the pattern inspects")
	cmd.Flags().StringVar(&operator, "operator", "", "threshold operator (gt, gte, lt, lte, eq, neq)")
	cmd.Flags().Float64Var(&pattern.Threshold, "threshold", 0, "threshold value")
	cmd.Flags().IntVar(&pattern.MinLength, "min-length", 0, "presence minimum length")
	cmd.Flags().StringArrayVar(&values, "value", []string{}, "allowed value or required kind (repeatable)")
	cmd.Flags().StringVar(&check, "check", "", "named custom check")
	cmd.Flags().StringVar(&hint, "hint", "", "hint shown with violations")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func ruleImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a rule set from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			// Enabled is a pointer here so an omitted key means enabled,
			// matching what 'rule put' does.
			type importRule struct {
				ID          string                  `yaml:"id"`
				ProjectID   string                  `yaml:"project_id"`
				Category    string                  `yaml:"category"`
				Pattern     domain.Pattern          `yaml:"pattern"`
				Enforcement domain.EnforcementLevel `yaml:"enforcement_level"`
				Enabled     *bool                   `yaml:"enabled"`
				Hint        string                  `yaml:"hint"`
			}
			var doc struct {
				Rules []importRule `yaml:"rules"`
			}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("invalid rule yaml: %w", err)
			}
			if len(doc.Rules) == 0 {
				return fmt.Errorf("no rules found in %s", filePath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var saved []domain.Rule
				for _, in := range doc.Rules {
					rule := domain.Rule{
						ID:          in.ID,
						ProjectID:   in.ProjectID,
						Category:    in.Category,
						Pattern:     in.Pattern,
						Enforcement: in.Enforcement,
						Enabled:     in.Enabled == nil || *in.Enabled,
						Hint:        in.Hint,
					}
					if rule.ProjectID == "" {
						rule.ProjectID = e.Config.Project.ID
					}
					r, err := e.PutRule(ctx, rule)
					if err != nil {
						return fmt.Errorf("rule %s: %w", rule.ID, err)
					}
					saved = append(saved, r)
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML rule set")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ruleExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the project's rules as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRules(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				doc := struct {
					Rules []domain.Rule `yaml:"rules"`
				}{Rules: items}
				out, err := yaml.Marshal(doc)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	return cmd
}

func ruleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRules(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Pattern", "Level", "Enabled"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Category, item.Pattern.Kind, item.Enforcement, item.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ruleEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a rule"
	if !enable {
		use, short = "disable <id>", "Disable a rule"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.SetRuleEnabled(ctx, id, enable)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteRule(ctx, id)
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{
		Use:   "gate",
		Short: "Phase gate requirements",
		Long:  "Phase gates hold entry requirements per entity type and phase: required child kinds and required fields with minimum lengths. Requirements are seeded from the project config; import a config to change them.",
	}
	gate.AddCommand(gateListCmd())
	gate.AddCommand(gateCheckCmd())
	return gate
}

func gateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured phase requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPhaseRequirements(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Phase", "Required Kinds", "Required Fields"})
				for _, item := range items {
					fields := make([]string, 0, len(item.RequiredFields))
					for _, f := range item.RequiredFields {
						fields = append(fields, fmt.Sprintf("%s(min %d)", f.Field, f.MinLength))
					}
					tw.AppendRow(table.Row{item.EntityType, item.Phase, strings.Join(item.RequiredKinds, ", "), strings.Join(fields, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func gateCheckCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "check <id>",
		Short: "Report unmet gate requirements for a target phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if phase == "" {
				return fmt.Errorf("--phase is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entity, err := e.Repo.GetEntity(ctx, id)
				if err != nil {
					return err
				}
				children, err := e.Repo.ListChildren(ctx, id)
				if err != nil {
					return err
				}
				result, err := gates.New(e.Repo).Validate(ctx, entity, children, domain.Phase(phase))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				if result.Valid {
					fmt.Printf("%s meets the gate for phase %s\n", id, phase)
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Source", "Level", "Message", "Hint"})
				for _, v := range result.Violations {
					tw.AppendRow(table.Row{v.Source, v.Enforcement, v.Message, v.Hint})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "target phase to check against")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, e.Config.Project.ID, entityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.TS, item.Type, item.EntityID, item.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			bootstrap := engine.New(conn, config.Default("bootstrap"), nil, nil)
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), bootstrap)
			if err != nil {
				return err
			}
			bus, stop := newBus(conn, cfg)
			defer stop()
			e := engine.New(conn, cfg, bus, slog.Default())

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("WORKGATE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("WORKGATE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Workgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept X-Actor-Id without credentials (local use only)")
	return cmd
}

// --- helpers ---

// newBus builds the audit bus from config and returns it with a stop func
// that drains the queue within the configured shutdown timeout.
func newBus(conn *sql.DB, cfg *config.Config) (*events.Bus, func()) {
	bus := events.NewBus(events.Writer{DB: conn}, events.BusOptions{
		QueueSize:      cfg.Bus.QueueSize,
		PublishTimeout: cfg.PublishTimeout(),
	})
	bus.Start()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := bus.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "warning:", err)
		}
	}
	return bus, stop
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	bootstrap := engine.New(conn, config.Default("bootstrap"), nil, nil)
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), bootstrap)
	if err != nil {
		return err
	}
	bus, stop := newBus(conn, cfg)
	defer stop()
	e := engine.New(conn, cfg, bus, nil)
	return fn(ctx, e)
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

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --meta %q, expected key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
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

func printEntityTree(e domain.Entity, children map[string][]domain.Entity, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	phase := ""
	if e.Phase != nil {
		phase = " " + string(*e.Phase)
	}
	fmt.Printf("%s%s%s [%s%s]\n", prefix, connector, e.Title, e.Status, phase)
	for i, c := range children[e.ID] {
		printEntityTree(c, children, newPrefix, i == len(children[e.ID])-1)
	}
}
