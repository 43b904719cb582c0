package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ticketflow/internal/app"
	"ticketflow/internal/config"
	"ticketflow/internal/db"
	"ticketflow/internal/domain"
	"ticketflow/internal/engine"
	"ticketflow/internal/logging"
	"ticketflow/internal/migrate"
	"ticketflow/internal/repo"
	"ticketflow/internal/server"
	"ticketflow/internal/workflow"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Ticketflow CLI",
	Long: `Ticketflow tracks tickets on a project board.
- Workspace: the .ticketflow directory holding the database. An optional ticketflow.yml next to it seeds new projects.
- Statuses: the board columns of a project. A status can mark tickets as completed.
- Workflow: the status changes a project allows. Without one every change is allowed.
- History: every status change is recorded with who made it and an optional note.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		logger = l
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TICKETFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "acting user id")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name, desc, file string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project from a template",
		Long:  "Creates the project with the statuses and optional workflow of the template. The template is --config, else ticketflow.yml in the workspace, else the built-in default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workspace := viper.GetString("workspace")
				var cfg *config.Config
				var err error
				if file != "" {
					cfg, err = config.FromFile(file)
				} else {
					cfg, err = config.LoadOptional(workspace)
				}
				if err != nil {
					return err
				}
				if cfg != nil {
					cfg.Project.ID = id
				}
				p, err := e.InitProject(ctx, engine.ProjectInitOptions{
					ID:          id,
					Name:        name,
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
					Config:      cfg,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&file, "config", "", "template file (YAML)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				statuses, err := e.ListStatuses(ctx, p.ID)
				if err != nil {
					return err
				}
				tickets, err := e.ListTickets(ctx, repo.TicketFilters{ProjectID: p.ID})
				if err != nil {
					return err
				}
				counts := map[domain.StatusID]int{}
				for _, t := range tickets {
					counts[t.StatusID]++
				}
				if viper.GetBool("json") {
					board := make([]map[string]any, 0, len(statuses))
					for _, s := range statuses {
						board = append(board, map[string]any{"status": s, "tickets": counts[s.ID]})
					}
					return printJSON(map[string]any{"project": p, "board": board})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Name)
				tw := newTable("Status", "Completed", "Tickets")
				for _, s := range statuses {
					tw.AppendRow(table.Row{s.Name, s.IsCompleted, counts[s.ID]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the template the project was created from",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				cfg, err := e.Repo.GetProjectConfig(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	st := &cobra.Command{Use: "status", Short: "Manage board statuses"}
	st.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List statuses in board order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				items, err := e.ListStatuses(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Color", "Completed", "Order")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Color, s.IsCompleted, s.SortOrder})
				}
				tw.Render()
				return nil
			})
		},
	})

	var opts engine.StatusCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				opts.ProjectID = p.ID
				s, err := e.CreateStatus(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "status name")
	create.Flags().StringVar(&opts.Color, "color", "", "hex color")
	create.Flags().BoolVar(&opts.Completed, "completed", false, "tickets in this status count as completed")
	create.Flags().IntVar(&opts.Order, "order", 0, "board position")
	_ = create.MarkFlagRequired("name")
	st.AddCommand(create)

	st.AddCommand(&cobra.Command{
		Use:   "delete <status>",
		Short: "Delete a status no ticket uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				id, err := resolveStatus(ctx, e, p.ID, args[0])
				if err != nil {
					return err
				}
				if err := e.DeleteStatus(ctx, p.ID, id); err != nil {
					return err
				}
				fmt.Printf("status %s deleted\n", args[0])
				return nil
			})
		},
	})
	return st
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect or change the project workflow",
		Long:  "A workflow lists the statuses a ticket may be created in and the status changes allowed after that. A project without a workflow, or with an empty one, allows every change.",
	}
	wf.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				def, err := e.GetWorkflow(ctx, p.ID)
				if err != nil {
					return err
				}
				names, err := statusNames(ctx, e, p.ID)
				if err != nil {
					return err
				}
				tmpl := workflowTemplate(def, names)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"defined":      def != nil,
						"unrestricted": workflow.NewPolicy(def).Unrestricted(),
						"workflow":     tmpl,
					})
				}
				if workflow.NewPolicy(def).Unrestricted() {
					fmt.Println("No workflow restrictions: every status change is allowed.")
					return nil
				}
				fmt.Printf("Initial: %s\n", strings.Join(tmpl.Initial, ", "))
				tw := newTable("From", "To")
				for _, from := range sortedKeys(tmpl.Transitions) {
					tw.AppendRow(table.Row{from, strings.Join(tmpl.Transitions[from], ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the workflow as an importable YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				def, err := e.GetWorkflow(ctx, p.ID)
				if err != nil {
					return err
				}
				names, err := statusNames(ctx, e, p.ID)
				if err != nil {
					return err
				}
				out, err := config.MarshalWorkflow(workflowTemplate(def, names))
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace the workflow from a YAML file written with status names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := config.WorkflowFromFile(args[0])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				def, err := e.ImportWorkflow(ctx, p.ID, tmpl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"initial_statuses": def.InitialStatuses.Sorted(),
						"transitions":      def.Edges(),
					})
				}
				fmt.Printf("workflow imported: %d initial, %d transitions\n", len(def.InitialStatuses), len(def.Edges()))
				return nil
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the workflow so every status change is allowed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				if err := e.RemoveWorkflow(ctx, p.ID); err != nil {
					return err
				}
				fmt.Println("workflow removed")
				return nil
			})
		},
	})

	var from string
	targets := &cobra.Command{
		Use:   "targets",
		Short: "List statuses reachable from --from, or allowed on creation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				var fromID *domain.StatusID
				if from != "" {
					id, err := resolveStatus(ctx, e, p.ID, from)
					if err != nil {
						return err
					}
					fromID = &id
				}
				res, err := e.AllowedTargets(ctx, p.ID, fromID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("ID", "Name")
				for _, s := range res.Statuses {
					tw.AppendRow(table.Row{s.ID, s.Name})
				}
				tw.Render()
				return nil
			})
		},
	}
	targets.Flags().StringVar(&from, "from", "", "source status name or id")
	wf.AddCommand(targets)
	return wf
}

func ticketCmd() *cobra.Command {
	tk := &cobra.Command{Use: "ticket", Short: "Manage tickets"}
	tk.AddCommand(ticketCreateCmd())
	tk.AddCommand(ticketUpdateCmd())
	tk.AddCommand(ticketMoveCmd())
	tk.AddCommand(ticketListCmd())
	tk.AddCommand(ticketShowCmd())
	tk.AddCommand(ticketHistoryCmd())
	return tk
}

func ticketCreateCmd() *cobra.Command {
	var title, content, status string
	var priority, epic, sprint int64
	var estimate float64
	var assignees []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				statusID, err := resolveStatus(ctx, e, p.ID, status)
				if err != nil {
					return err
				}
				opts := engine.TicketCreateOptions{
					ProjectID: p.ID,
					Title:     title,
					Content:   content,
					StatusID:  statusID,
					Assignees: assignees,
					ActorID:   viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("priority") {
					opts.PriorityID = &priority
				}
				if cmd.Flags().Changed("epic") {
					opts.EpicID = &epic
				}
				if cmd.Flags().Changed("sprint") {
					opts.SprintID = &sprint
				}
				if cmd.Flags().Changed("estimate") {
					opts.Estimation = &estimate
				}
				t, err := e.CreateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "ticket title")
	cmd.Flags().StringVar(&content, "content", "", "ticket body")
	cmd.Flags().StringVar(&status, "status", "", "status name or id")
	cmd.Flags().Int64Var(&priority, "priority", 0, "priority id")
	cmd.Flags().Int64Var(&epic, "epic", 0, "epic id")
	cmd.Flags().Int64Var(&sprint, "sprint", 0, "sprint id")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimation")
	cmd.Flags().StringSliceVar(&assignees, "assignee", nil, "assignee user id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func ticketUpdateCmd() *cobra.Command {
	var title, content, status, note string
	var priority, epic, sprint, version int64
	var clearEpic, clearSprint bool
	var estimate float64
	var assignees []string
	cmd := &cobra.Command{
		Use:   "update <ticket-id>",
		Short: "Update ticket fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				opts := engine.TicketUpdateOptions{
					ID:          args[0],
					ActorID:     viper.GetString("actor-id"),
					ClearEpic:   clearEpic,
					ClearSprint: clearSprint,
					Note:        optionalString(note),
				}
				changed := cmd.Flags().Changed
				if changed("title") {
					opts.Title = &title
				}
				if changed("content") {
					opts.Content = &content
				}
				if changed("status") {
					id, err := resolveStatus(ctx, e, p.ID, status)
					if err != nil {
						return err
					}
					opts.StatusID = &id
				}
				if changed("priority") {
					opts.PriorityID = &priority
				}
				if changed("epic") {
					opts.EpicID = &epic
				}
				if changed("sprint") {
					opts.SprintID = &sprint
				}
				if changed("estimate") {
					opts.Estimation = &estimate
				}
				if changed("assignee") {
					opts.Assignees = &assignees
				}
				if changed("version") {
					opts.ExpectedVersion = version
				}
				t, err := e.UpdateTicket(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "ticket title")
	cmd.Flags().StringVar(&content, "content", "", "ticket body")
	cmd.Flags().StringVar(&status, "status", "", "status name or id")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with a status change")
	cmd.Flags().Int64Var(&priority, "priority", 0, "priority id")
	cmd.Flags().Int64Var(&epic, "epic", 0, "epic id")
	cmd.Flags().BoolVar(&clearEpic, "clear-epic", false, "detach from epic")
	cmd.Flags().Int64Var(&sprint, "sprint", 0, "sprint id")
	cmd.Flags().BoolVar(&clearSprint, "clear-sprint", false, "detach from sprint")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimation")
	cmd.Flags().StringSliceVar(&assignees, "assignee", nil, "replace assignees (repeatable)")
	cmd.Flags().Int64Var(&version, "version", 0, "expected ticket version")
	return cmd
}

func ticketMoveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "move <ticket-id> <status>",
		Short: "Move a ticket to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				to, err := resolveStatus(ctx, e, p.ID, args[1])
				if err != nil {
					return err
				}
				t, err := e.ChangeStatus(ctx, args[0], to, viper.GetString("actor-id"), optionalString(note))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note recorded in the history")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				f.ProjectID = p.ID
				if status != "" {
					id, err := resolveStatus(ctx, e, p.ID, status)
					if err != nil {
						return err
					}
					f.StatusID = id
				}
				tickets, err := e.ListTickets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				names, err := statusNames(ctx, e, p.ID)
				if err != nil {
					return err
				}
				tw := newTable("ID", "Title", "Status", "Assignees", "Version")
				for _, t := range tickets {
					tw.AppendRow(table.Row{t.ID, t.Title, names[t.StatusID], strings.Join(t.AssigneeIDs, ","), t.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status name or id")
	cmd.Flags().Int64Var(&f.EpicID, "epic", 0, "epic id")
	cmd.Flags().Int64Var(&f.SprintID, "sprint", 0, "sprint id")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner user id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum tickets")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func ticketHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <ticket-id>",
		Short: "Show status changes of a ticket, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				entries, err := e.TicketHistory(ctx, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				names, err := statusNames(ctx, e, t.ProjectID)
				if err != nil {
					return err
				}
				label := func(id domain.StatusID) string {
					if n, ok := names[id]; ok {
						return n
					}
					// status deleted since
					return fmt.Sprintf("#%d", id)
				}
				tw := newTable("When", "Actor", "From", "To", "Note")
				for _, h := range entries {
					from := engine.InitialLabel
					if h.FromStatusID != nil {
						from = label(*h.FromStatusID)
					}
					note := ""
					if h.Note != nil {
						note = *h.Note
					}
					tw.AppendRow(table.Row{h.CreatedAt, h.ActorID, from, label(h.ToStatusID), note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func epicCmd() *cobra.Command {
	ep := &cobra.Command{Use: "epic", Short: "Manage epics"}
	var opts engine.EpicCreateOptions
	var starts, ends string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				opts.ProjectID = p.ID
				opts.StartsAt, opts.EndsAt = optionalString(starts), optionalString(ends)
				epic, err := e.CreateEpic(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(epic)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "epic name")
	create.Flags().StringVar(&starts, "starts", "", "start date (YYYY-MM-DD)")
	create.Flags().StringVar(&ends, "ends", "", "end date (YYYY-MM-DD)")
	_ = create.MarkFlagRequired("name")
	ep.AddCommand(create)

	ep.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListEpics(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Starts", "Ends")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, deref(it.StartsAt), deref(it.EndsAt)})
				}
				tw.Render()
				return nil
			})
		},
	})

	ep.AddCommand(&cobra.Command{
		Use:   "delete <epic-id>",
		Short: "Delete an epic no ticket uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid epic id %q", args[0])
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				if err := e.DeleteEpic(ctx, p.ID, id); err != nil {
					return err
				}
				fmt.Printf("epic %d deleted\n", id)
				return nil
			})
		},
	})
	return ep
}

func sprintCmd() *cobra.Command {
	sp := &cobra.Command{Use: "sprint", Short: "Manage sprints"}
	var opts engine.SprintCreateOptions
	var epic int64
	var starts, ends string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				opts.ProjectID = p.ID
				if cmd.Flags().Changed("epic") {
					opts.EpicID = &epic
				}
				opts.StartsAt, opts.EndsAt = optionalString(starts), optionalString(ends)
				sprint, err := e.CreateSprint(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(sprint)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "sprint name")
	create.Flags().Int64Var(&epic, "epic", 0, "epic id")
	create.Flags().StringVar(&starts, "starts", "", "start date (YYYY-MM-DD)")
	create.Flags().StringVar(&ends, "ends", "", "end date (YYYY-MM-DD)")
	_ = create.MarkFlagRequired("name")
	sp.AddCommand(create)

	sp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListSprints(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Epic", "Starts", "Ends")
				for _, it := range items {
					epic := ""
					if it.EpicID != nil {
						epic = strconv.FormatInt(*it.EpicID, 10)
					}
					tw.AppendRow(table.Row{it.ID, it.Name, epic, deref(it.StartsAt), deref(it.EndsAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return sp
}

func reportCmd() *cobra.Command {
	rp := &cobra.Command{Use: "report", Short: "Project reports"}
	var day string
	completed := &cobra.Command{
		Use:   "completed",
		Short: "Tickets that reached a completed status on or before --day",
		RunE: func(cmd *cobra.Command, args []string) error {
			if day == "" {
				day = time.Now().UTC().Format(time.DateOnly)
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				ids, err := e.CompletedTicketsAsOf(ctx, p.ID, day)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project_id": p.ID, "day": day, "tickets": ids})
				}
				fmt.Printf("%d ticket(s) completed as of %s\n", len(ids), day)
				for _, id := range ids {
					fmt.Println(" ", id)
				}
				return nil
			})
		},
	}
	completed.Flags().StringVar(&day, "day", "", "day (YYYY-MM-DD), defaults to today")
	rp.AddCommand(completed)
	return rp
}

func userCmd() *cobra.Command {
	us := &cobra.Command{Use: "user", Short: "Manage users"}
	var name string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Register a user so tickets can be assigned to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.EnsureUser(ctx, nil, args[0], name); err != nil {
					return err
				}
				u, err := e.Repo.GetUser(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	us.AddCommand(add)
	return us
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TICKETFLOW_JWT_SECRET is required for bearer auth")
			}
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Ticketflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local use only)")
	return cmd
}

func withDB(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, logger))
}

// withProject resolves the active project and registers the acting user.
func withProject(ctx context.Context, fn func(context.Context, engine.Engine, domain.Project) error) error {
	return withDB(ctx, func(ctx context.Context, e engine.Engine) error {
		actorID := viper.GetString("actor-id")
		p, err := app.ResolveProject(ctx, e, viper.GetString("workspace"), viper.GetString("project"), actorID)
		if err != nil {
			return err
		}
		if err := e.Repo.EnsureUser(ctx, nil, actorID, ""); err != nil {
			return fmt.Errorf("ensure user %s: %w", actorID, err)
		}
		return fn(ctx, e, p)
	})
}

// resolveStatus accepts a status name (case-insensitive) or numeric id.
func resolveStatus(ctx context.Context, e engine.Engine, projectID, ref string) (domain.StatusID, error) {
	ref = strings.TrimSpace(ref)
	statuses, err := e.ListStatuses(ctx, projectID)
	if err != nil {
		return 0, err
	}
	for _, s := range statuses {
		if strings.EqualFold(s.Name, ref) {
			return s.ID, nil
		}
	}
	if n, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return domain.StatusID(n), nil
	}
	return 0, engine.NotFoundError{Kind: "status", ID: ref}
}

func statusNames(ctx context.Context, e engine.Engine, projectID string) (map[domain.StatusID]string, error) {
	statuses, err := e.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, err
	}
	names := make(map[domain.StatusID]string, len(statuses))
	for _, s := range statuses {
		names[s.ID] = s.Name
	}
	return names, nil
}

// workflowTemplate renders a stored workflow with status names.
func workflowTemplate(def *workflow.Definition, names map[domain.StatusID]string) *config.WorkflowTemplate {
	tmpl := &config.WorkflowTemplate{Initial: []string{}, Transitions: map[string][]string{}}
	if def == nil {
		return tmpl
	}
	for _, id := range def.InitialStatuses.Sorted() {
		tmpl.Initial = append(tmpl.Initial, names[id])
	}
	for _, edge := range def.Edges() {
		from := names[edge.From]
		tmpl.Transitions[from] = append(tmpl.Transitions[from], names[edge.To])
	}
	return tmpl
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
