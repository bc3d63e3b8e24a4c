package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/flow/internal/catalog"
	"github.com/kingrea/flow/internal/config"
	"github.com/kingrea/flow/internal/logbook"
	"github.com/kingrea/flow/internal/navigator"
	"github.com/kingrea/flow/internal/task"
	"github.com/kingrea/flow/internal/toolserver"
	"github.com/kingrea/flow/internal/tui"
	"github.com/kingrea/flow/internal/workflow"
	"github.com/kingrea/flow/internal/workflow/lint"
	"github.com/kingrea/flow/internal/workflow/store"
)

func initCmd(flags *globalFlags) *cobra.Command {
	var withCatalog bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .flow directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.InitFlowDir(flags.projectDir); err != nil {
				return err
			}
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "initialized %s\n", a.cfg.FlowProjectDir)
			if withCatalog {
				report, err := catalog.Copy(a.projectWorkflowDir(), nil, false)
				if err != nil {
					return err
				}
				for _, p := range report.Paths {
					fmt.Fprintf(out, "copied %s\n", p)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withCatalog, "with-catalog", false, "Copy the built-in workflows into the project")
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the flow tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if a.cfg.WatchEnabled() {
				err := a.defs.Watch(ctx, store.WithReloadHook(func(r store.Report) {
					a.log.Info("workflow source reloaded", "source", r.Source, "loaded", len(r.Loaded), "removed", len(r.Removed))
				}))
				if err != nil {
					a.log.Warn("workflow watch disabled", "error", err)
				}
			}
			if addr := a.cfg.MetricsAddress(); addr != "" {
				srv := &http.Server{Addr: addr, Handler: metricsMux(a), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error("metrics server stopped", "addr", addr, "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.log.Info("metrics listening", "addr", addr)
			}

			srv, err := toolserver.New(a.nav, a.defs,
				toolserver.WithLogger(a.log.Logger),
				toolserver.WithProjectDir(a.projectWorkflowDir(), projectSource),
			)
			if err != nil {
				return err
			}
			a.log.Info("flow ready", "version", Version, "project", a.cfg.ProjectDir)
			return srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

type navigateOptions struct {
	workflowID string
	result     string
	autonomy   bool
	branch     string
	asJSON     bool
	style      string
}

func navigateCmd(flags *globalFlags) *cobra.Command {
	opts := &navigateOptions{}
	cmd := &cobra.Command{
		Use:   "navigate [task]",
		Short: "Show or advance a task's position",
		Long: `Without --result, prints the task's current step. With --result passed or
failed, advances the task and writes the new position into its record.
With no task and --workflow, creates a new task and starts it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := workflow.ParseResult(opts.result)
			if err != nil {
				return err
			}
			req := navigator.Request{WorkflowID: opts.workflowID, Result: result, Branch: opts.branch}
			if len(args) == 1 {
				req.TaskRef = args[0]
			} else if req.WorkflowID == "" {
				req.WorkflowID = a.cfg.DefaultWorkflow()
			}
			if cmd.Flags().Changed("autonomy") {
				req.Autonomy = &opts.autonomy
			}
			out, err := a.nav.Navigate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), out, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.workflowID, "workflow", "w", "", "Workflow to start (defaults to the configured default for new tasks)")
	cmd.Flags().StringVarP(&opts.result, "result", "r", "", "Outcome of the current step: passed or failed")
	cmd.Flags().BoolVar(&opts.autonomy, "autonomy", false, "Continue past stage-boundary end nodes")
	cmd.Flags().StringVarP(&opts.branch, "branch", "b", "", "Fork branch the result belongs to")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the raw response as JSON")
	cmd.Flags().StringVar(&opts.style, "style", "", "Markdown style for instructions (dark, light, notty); default detects the terminal")
	return cmd
}

func branchCmd(flags *globalFlags) *cobra.Command {
	opts := &navigateOptions{}
	cmd := &cobra.Command{
		Use:   "branch <task> <branch>",
		Short: "Start a child task for one branch of a fork",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			out, err := a.nav.StartBranch(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), out, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the raw response as JSON")
	cmd.Flags().StringVar(&opts.style, "style", "", "Markdown style for instructions")
	return cmd
}

func printOutcome(w io.Writer, out *navigator.Outcome, opts *navigateOptions) error {
	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintln(w, tui.RenderResponse(out.TaskID, out.Response))
	if !out.Control() && out.Step.Instructions != "" {
		rendered, err := tui.RenderMarkdown(out.Step.Instructions, 100, opts.style)
		if err != nil {
			return err
		}
		fmt.Fprint(w, rendered)
	}
	if out.Write != nil && out.Write.Healed {
		fmt.Fprintf(w, "task id corrected from %q to %q\n", out.Write.PreviousID, out.Write.ID)
	}
	if out.Parent != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, tui.RenderResponse(out.Parent.TaskID, out.Parent.Response))
	}
	return nil
}

func listCmd(flags *globalFlags) *cobra.Command {
	var (
		source string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			var kind store.Kind
			if source != "" && source != "all" {
				if kind, err = store.ParseKind(source); err != nil {
					return err
				}
			}
			summaries := a.defs.List(kind)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.RenderSummaries(summaries))
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "Only project, external, or catalog definitions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print summaries as JSON")
	return cmd
}

func showCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <workflow>",
		Short: "Print a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			entry, err := a.defs.Entry(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entry.Definition)
			}
			fmt.Fprintf(out, "# %s (%s: %s)\n", entry.Definition.ID, entry.Kind, entry.Path)
			for _, shadowed := range a.defs.Shadowed(entry.Definition.ID) {
				fmt.Fprintf(out, "# shadows %s: %s\n", shadowed.Kind, shadowed.Path)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(entry.Definition); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	return cmd
}

func selectCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Choose the default workflow interactively",
		Long:  "Shows every loaded workflow and saves the choice as the default for new tasks. With --json, prints the selection prompt instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			sel := toolserver.SelectionFor(a.defs)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sel)
			}
			chosen, err := tui.RunPicker(sel.Prompt, a.defs.List(""), a.cfg.DefaultWorkflow())
			if err != nil {
				return err
			}
			if chosen == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no workflow selected")
				return nil
			}
			if err := a.cfg.SetDefaultWorkflow(chosen); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "default workflow: %s\n", chosen)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the selection prompt as JSON")
	return cmd
}

func lintCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lint [workflow-or-file...]",
		Short: "Check workflows for unreachable nodes, incomplete gates, and fork/join mistakes",
		Long:  "Lints the named workflows or definition files. With no arguments, lints every loaded workflow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			if len(args) == 0 {
				for _, s := range a.defs.List("") {
					args = append(args, s.ID)
				}
			}
			failed := 0
			for _, arg := range args {
				def, err := lintTarget(a, arg)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", arg, err)
					failed++
					continue
				}
				diags := lint.Check(def)
				fmt.Fprintln(cmd.OutOrStdout(), tui.RenderDiagnostics(def.ID, diags))
				if lint.HasErrors(diags) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d workflow(s) failed lint", failed)
			}
			return nil
		},
	}
}

func lintTarget(a *app, arg string) (*workflow.Definition, error) {
	if workflow.IsDefinitionFile(arg) {
		if _, err := os.Stat(arg); err == nil {
			return workflow.LoadDefinitionFile(arg)
		}
	}
	return a.defs.Resolve(arg)
}

func copyCmd(flags *globalFlags) *cobra.Command {
	var (
		from  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "copy [ids...]",
		Short: "Copy workflow definitions into the project",
		Long:  "Copies built-in workflows (or those under --from) into the project workflow directory so they can be customized. No ids copies everything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			ids := splitIDs(args)
			var report catalog.CopyReport
			if from == "" {
				report, err = catalog.Copy(a.projectWorkflowDir(), ids, force)
			} else {
				report, err = catalog.CopyFrom(os.DirFS(from), a.projectWorkflowDir(), ids, force)
			}
			out := cmd.OutOrStdout()
			for _, p := range report.Paths {
				fmt.Fprintf(out, "copied %s\n", p)
			}
			for _, id := range report.Skipped {
				fmt.Fprintf(out, "skipped %s (exists; use --force)\n", id)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Directory to copy from instead of the built-in catalog")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing project files")
	return cmd
}

func taskCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage task records",
	}
	var (
		subject    string
		workflowID string
		format     string
		start      bool
	)
	newCmd := &cobra.Command{
		Use:   "new [id]",
		Short: "Create a task record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			if workflowID == "" {
				workflowID = a.cfg.DefaultWorkflow()
			}
			if _, err := a.defs.Resolve(workflowID); err != nil {
				return err
			}
			rec := task.Record{Subject: subject, Metadata: task.Metadata{WorkflowID: workflowID}}
			if len(args) == 1 {
				rec.ID = args[0]
			}
			path, err := a.tasks.Create(rec, task.Format(format))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			if !start {
				return nil
			}
			out, err := a.nav.Navigate(cmd.Context(), navigator.Request{TaskRef: path})
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), out, &navigateOptions{style: "notty"})
		},
	}
	newCmd.Flags().StringVar(&subject, "subject", "", "Initial subject line")
	newCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Workflow the task follows")
	newCmd.Flags().StringVar(&format, "format", string(task.FormatJSON), "Record format: json or md")
	newCmd.Flags().BoolVar(&start, "start", false, "Start the workflow immediately")

	listTasks := &cobra.Command{
		Use:   "list",
		Short: "List task records and where they are",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			records, err := a.tasks.List()
			if err != nil {
				return err
			}
			for _, r := range records {
				m := r.Record.Metadata
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-12s %-10s %-16s %s\n", r.ID, r.Record.Status, m.WorkflowID, m.CurrentStep, r.Record.Subject)
			}
			return nil
		},
	}
	cmd.AddCommand(newCmd, listTasks)
	return cmd
}

func historyCmd(flags *globalFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "history [task]",
		Short: "Show recent navigations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()
			var keep func(string) bool
			if len(args) == 1 {
				keep = logbook.ForTask(args[0])
			}
			entries, total := a.book.Filter(lines, keep)
			for _, line := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if total > len(entries) {
				fmt.Fprintf(cmd.OutOrStdout(), "(%d earlier entries)\n", total-len(entries))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of entries to show")
	return cmd
}
