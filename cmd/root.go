// Package cmd implements the ralphy CLI entry point (SPEC_FULL.md §6): a single flat
// command whose flags select between config bootstrap, a one-off single-task run, a PRD
// Sequential Loop run, a parallel scheduler run, and the HTTP control plane.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/yarlson/ralphy/internal/agent"
	"github.com/yarlson/ralphy/internal/budget"
	"github.com/yarlson/ralphy/internal/config"
	"github.com/yarlson/ralphy/internal/executor"
	"github.com/yarlson/ralphy/internal/git"
	"github.com/yarlson/ralphy/internal/gutter"
	"github.com/yarlson/ralphy/internal/merge"
	"github.com/yarlson/ralphy/internal/preflight"
	"github.com/yarlson/ralphy/internal/prdloop"
	"github.com/yarlson/ralphy/internal/progress"
	"github.com/yarlson/ralphy/internal/prompt"
	"github.com/yarlson/ralphy/internal/runlog"
	"github.com/yarlson/ralphy/internal/scheduler"
	"github.com/yarlson/ralphy/internal/server"
	"github.com/yarlson/ralphy/internal/state"
	"github.com/yarlson/ralphy/internal/taskstore"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// NewRootCmd creates the root command for the ralphy CLI. Every flag is also readable as a
// RALPHY_-prefixed environment variable through viper, so a CI pipeline can configure a run
// without assembling a command line.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RALPHY")
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:     "ralphy [task]",
		Version: Version,
		Short:   "Ralphy orchestrates coding agents through an autonomous, iterative delivery loop",
		Long: `Ralphy drives one or more coding-agent engines (Claude Code, OpenCode, Cursor,
Codex, Qwen, Droid) against a backlog of tasks: a single ad hoc task, a Markdown/YAML
checklist, or GitHub issues. Each task is executed, verified, committed, and marked
complete before the next begins.`,
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, args)
		},
	}

	pf := rootCmd.Flags()
	pf.Bool("init", false, "detect the project and write .ralphy/config.yaml")
	pf.Bool("config", false, "print the current project configuration")
	pf.String("add-rule", "", "append a durable rule to the project configuration")

	pf.String("prd", "", "path to a Markdown checklist task source (default PRD.md)")
	pf.String("yaml", "", "path to a structured YAML task source")
	pf.String("github", "", "GitHub repo (owner/name) to pull tasks from as issues")
	pf.String("github-label", "", "label filter for --github issue tasks")

	pf.Int("max-iterations", 0, "maximum number of tasks to run (0 = unbounded)")
	pf.Int("max-retries", 0, "maximum attempts per task (0 = executor default)")
	pf.Int("retry-delay", 0, "seconds to wait between retry attempts")

	pf.Bool("skip-tests", false, "instruct the agent to skip running tests")
	pf.Bool("skip-lint", false, "instruct the agent to skip running the linter")
	pf.Bool("fast", false, "shorthand for --skip-tests --skip-lint")
	pf.Bool("dry-run", false, "build the prompt and print it without invoking an agent")

	pf.Bool("claude", false, "use the Claude Code engine")
	pf.Bool("opencode", false, "use the OpenCode engine")
	pf.Bool("cursor", false, "use the Cursor engine (alias: --agent)")
	pf.Bool("agent", false, "alias for --cursor")
	pf.Bool("codex", false, "use the Codex engine")
	pf.Bool("qwen", false, "use the Qwen engine")
	pf.Bool("droid", false, "use the Droid engine")

	pf.Bool("parallel", false, "run PRD/YAML tasks grouped by parallel_group concurrently")
	pf.Int("max-parallel", 0, "maximum concurrent groups (0 = one worker per group)")

	pf.Bool("branch-per-task", false, "check out a fresh branch for each task")
	pf.String("base-branch", "", "base branch for --branch-per-task and PR creation")
	pf.Bool("create-pr", false, "open a pull request after each completed task")
	pf.Bool("draft-pr", false, "open the pull request as a draft")

	pf.Bool("no-commit", false, "disable automatic commits (on by default)")

	pf.Bool("serve", false, "start the HTTP control plane instead of running a loop")
	pf.Int("port", 0, "port for --serve (0 = OS-assigned ephemeral port)")

	pf.BoolP("verbose", "v", false, "print each iteration's command and outcome")

	if err := v.BindPFlags(pf); err != nil {
		panic(err)
	}

	return rootCmd
}

// Execute runs the root command and maps its outcome to the process exit code: 0 on
// success, 130 on SIGINT, 143 on SIGTERM, 1 on any other failure.
func Execute() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received os.Signal
	go func() {
		select {
		case sig := <-sigCh:
			received = sig
			cancel()
		case <-ctx.Done():
		}
	}()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	switch received {
	case os.Interrupt:
		os.Exit(130)
	case syscall.SIGTERM:
		os.Exit(143)
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}
	cfgPath := state.ConfigPath(cwd)

	switch {
	case v.GetBool("init"):
		return runInit(cwd, cfgPath)
	case v.GetBool("config"):
		return runShowConfig(cfgPath)
	case v.GetString("add-rule") != "":
		return config.AddRule(cfgPath, v.GetString("add-rule"))
	case v.GetBool("serve"):
		return runServe(ctx, v, cwd, cfgPath)
	case len(args) > 0 && v.GetString("prd") == "" && v.GetString("yaml") == "" && v.GetString("github") == "":
		return runSingle(ctx, v, cwd, strings.Join(args, " "))
	default:
		return runPRD(ctx, v, cwd, cfgPath)
	}
}

func runInit(cwd, cfgPath string) error {
	if err := state.EnsureDir(cwd); err != nil {
		return err
	}
	cfg := config.Default()
	cfg.Project = config.Detect(cwd)
	return config.Save(cfgPath, cfg)
}

func runShowConfig(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", *cfg)
	return nil
}

func resolveEngine(v *viper.Viper) string {
	switch {
	case v.GetBool("claude"):
		return string(agent.EngineClaude)
	case v.GetBool("opencode"):
		return string(agent.EngineOpenCode)
	case v.GetBool("cursor"), v.GetBool("agent"):
		return string(agent.EngineCursor)
	case v.GetBool("codex"):
		return string(agent.EngineCodex)
	case v.GetBool("qwen"):
		return string(agent.EngineQwen)
	case v.GetBool("droid"):
		return string(agent.EngineDroid)
	default:
		return ""
	}
}

func loadConfig(cfgPath string) *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Default()
	}
	return cfg
}

func runSingle(ctx context.Context, v *viper.Viper, cwd, task string) error {
	cfg := loadConfig(state.ConfigPath(cwd))
	engine := resolveEngine(v)
	exec := executor.New(agent.NewSubprocessInvoker(), prompt.NewBuilder(nil), cwd, engine)

	fast := v.GetBool("fast")
	result, err := exec.Execute(ctx, prompt.TaskInput{Text: task}, executor.Options{
		Engine:     engine,
		Rules:      cfg.Rules,
		Boundaries: cfg.Boundaries.NeverTouch,
		SkipTests:  v.GetBool("skip-tests") || fast,
		SkipLint:   v.GetBool("skip-lint") || fast,
		AutoCommit: !v.GetBool("no-commit"),
		DryRun:     v.GetBool("dry-run"),
		MaxRetries: v.GetInt("max-retries"),
		RetryDelay: time.Duration(v.GetInt("retry-delay")) * time.Second,
	})
	if err != nil {
		return err
	}
	if v.GetBool("dry-run") {
		fmt.Println(result.Prompt)
		return nil
	}
	if v.GetBool("verbose") {
		line := fmt.Sprintf("engine=%s attempts=%d status=%s", result.Engine, result.Attempts, result.Status)
		fmt.Fprintln(os.Stderr, colorize("2", line))
	}
	if result.Status != executor.StatusOK {
		return fmt.Errorf("task failed after %d attempt(s): %s", result.Attempts, result.Error)
	}
	fmt.Println(result.Response)
	return nil
}

func taskSourceOptions(v *viper.Viper) taskstore.SelectOptions {
	return taskstore.SelectOptions{
		PRDPath:     v.GetString("prd"),
		YAMLPath:    v.GetString("yaml"),
		GitHubRepo:  v.GetString("github"),
		GitHubLabel: v.GetString("github-label"),
	}
}

func taskSourcePath(v *viper.Viper) string {
	switch {
	case v.GetString("yaml") != "":
		return v.GetString("yaml")
	case v.GetString("prd") != "":
		return v.GetString("prd")
	default:
		return taskstore.DefaultMarkdownPath
	}
}

func runPRD(ctx context.Context, v *viper.Viper, cwd, cfgPath string) error {
	cfg := loadConfig(cfgPath)

	failure, err := prdloop.RunPreflight(cwd, taskSourcePath(v), v.GetString("github") != "", preflight.DefaultChecks())
	if err != nil {
		return err
	}
	if failure != nil {
		return fmt.Errorf("preflight failed (%s): %s", failure.Reason, failure.Message)
	}
	if err := state.EnsureDir(cwd); err != nil {
		return err
	}

	engine := resolveEngine(v)
	fast := v.GetBool("fast")
	skipTests, skipLint := v.GetBool("skip-tests") || fast, v.GetBool("skip-lint") || fast
	var maxIter *int
	if n := v.GetInt("max-iterations"); n > 0 {
		maxIter = &n
	}

	if v.GetBool("parallel") {
		return runParallel(ctx, v, cwd, cfg, engine, skipTests, skipLint, maxIter)
	}

	adapter := taskstore.Select(taskSourceOptions(v))
	exec := executor.New(agent.NewSubprocessInvoker(), prompt.NewBuilder(nil), cwd, engine)

	shell := git.NewShellManager(cwd)
	var branches prdloop.BranchManager
	if v.GetBool("branch-per-task") {
		branches = git.NewBranchManager(cwd, v.GetString("base-branch"))
	}

	progressWriter := progress.NewWriter(state.ProgressPath(cwd))
	runID := runlog.NewRunID()
	runLog := runlog.NewWriter(state.LogsDir(cwd), runID)

	loop := prdloop.New(adapter, exec, branches, shell, commandRunner{cwd: cwd}, progressWriter, runLog)

	result := loop.Run(ctx, prdloop.Options{
		MaxIterations: maxIter,
		MaxRetries:    v.GetInt("max-retries"),
		RetryDelay:    time.Duration(v.GetInt("retry-delay")) * time.Second,
		Engine:        engine,
		Rules:         cfg.Rules,
		Boundaries:    cfg.Boundaries.NeverTouch,
		SkipTests:     skipTests,
		SkipLint:      skipLint,
		AutoCommit:    !v.GetBool("no-commit"),
		DryRun:        v.GetBool("dry-run"),
		BranchPerTask: v.GetBool("branch-per-task"),
		CreatePR:      v.GetBool("create-pr"),
		DraftPR:       v.GetBool("draft-pr"),
		BaseBranch:    v.GetString("base-branch"),
		BudgetLimits:  budget.Limits{MaxIterations: v.GetInt("max-iterations")},
		GutterConfig:  gutter.DefaultConfig(),
		RunID:         runID,
	})

	return reportResult(result.OK, string(result.Stopped), string(result.Stage), result.Message)
}

func runParallel(ctx context.Context, v *viper.Viper, cwd string, cfg *config.Config, engine string, skipTests, skipLint bool, maxIter *int) error {
	if v.GetBool("branch-per-task") || v.GetBool("create-pr") || v.GetBool("draft-pr") {
		return errors.New("--parallel cannot be combined with --branch-per-task, --create-pr, or --draft-pr")
	}
	if v.GetString("github") != "" {
		return errors.New("task-source: parallel mode does not support issue-tracker task sources")
	}

	sourcePath := taskSourcePath(v)
	isYAML := v.GetString("yaml") != ""
	adapter := taskstore.Select(taskSourceOptions(v))
	allTasks, err := adapter.ParseAll()
	if err != nil {
		return err
	}

	shell := git.NewShellManager(cwd)
	worktreesRoot := state.WorktreesDir(cwd)

	execFactory := func(workDir string) scheduler.TaskExecutor {
		return executor.New(agent.NewSubprocessInvoker(), prompt.NewBuilder(nil), workDir, engine)
	}
	adapterFactory := func(workDir, copiedSourcePath string) taskstore.Adapter {
		if isYAML {
			return taskstore.Select(taskstore.SelectOptions{YAMLPath: copiedSourcePath})
		}
		return taskstore.Select(taskstore.SelectOptions{PRDPath: copiedSourcePath})
	}
	mergeFactory := func(workDir string) *merge.Resolver {
		return merge.New(agent.NewSubprocessInvoker(), git.NewShellManager(workDir), workDir, resolveMergeEngine(engine))
	}

	sched := scheduler.New(shell, sourcePath, isYAML, execFactory, adapterFactory, mergeFactory, worktreesRoot)

	result := sched.Run(ctx, allTasks, scheduler.Options{
		MaxIterations: maxIter,
		MaxParallel:   v.GetInt("max-parallel"),
		MaxRetries:    v.GetInt("max-retries"),
		Engine:        engine,
		Rules:         cfg.Rules,
		Boundaries:    cfg.Boundaries.NeverTouch,
		SkipTests:     skipTests,
		SkipLint:      skipLint,
		AutoCommit:    !v.GetBool("no-commit"),
	})

	return reportResult(result.OK, "", string(result.Stage), result.Message)
}

func resolveMergeEngine(engine string) agent.Engine {
	if engine == "" {
		return agent.EngineClaude
	}
	return agent.Engine(engine)
}

func reportResult(ok bool, stopped, stage, message string) error {
	if ok {
		if stopped != "" {
			fmt.Println(colorize("33", fmt.Sprintf("stopped: %s", stopped)))
		}
		return nil
	}
	if stage != "" {
		return fmt.Errorf("%s: %s", stage, message)
	}
	return errors.New(message)
}

// isInteractiveStdout reports whether stdout is attached to a terminal, the same check the
// teacher uses to decide between interactive and piped/CI behavior, repurposed here to gate
// ANSI color instead of an interactive prompt.
func isInteractiveStdout() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// colorize wraps s in the given ANSI SGR code, but only when stdout is a real terminal, so
// piped or redirected output (logs, CI) stays plain.
func colorize(code, s string) string {
	if !isInteractiveStdout() {
		return s
	}
	return fmt.Sprintf("\x1b[%sm%s\x1b[0m", code, s)
}

type commandRunner struct{ cwd string }

// Run shells out to the named command, the same DI seam taskstore's GitHub adapter and
// prdloop's PR helper both accept, so --create-pr can invoke the real gh CLI.
func (c commandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.cwd
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func runServe(ctx context.Context, v *viper.Viper, cwd, cfgPath string) error {
	addr := fmt.Sprintf("127.0.0.1:%d", v.GetInt("port"))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind control-plane listener: %w", err)
	}

	deps := server.Deps{
		ConfigPath: cfgPath,
		ProjectDir: cwd,
		RunSingle:  makeSingleRunFunc(cwd, cfgPath),
		RunPRD:     makePRDRunFunc(cwd, cfgPath),
	}
	httpServer := &http.Server{Handler: server.New(deps)}

	fmt.Printf("ralphy control plane listening on %s\n", listener.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func makeSingleRunFunc(cwd, cfgPath string) server.SingleRunFunc {
	return func(req server.SingleRunRequest) (any, error) {
		cfg := loadConfig(cfgPath)
		exec := executor.New(agent.NewSubprocessInvoker(), prompt.NewBuilder(nil), cwd, req.Engine)
		return exec.Execute(context.Background(), prompt.TaskInput{Text: req.Task}, executor.Options{
			Engine:     req.Engine,
			Rules:      cfg.Rules,
			Boundaries: cfg.Boundaries.NeverTouch,
			SkipTests:  req.SkipTests,
			SkipLint:   req.SkipLint,
			AutoCommit: req.AutoCommit,
			DryRun:     req.DryRun,
			MaxRetries: req.MaxRetries,
			RetryDelay: time.Duration(req.RetryDelay) * time.Second,
		})
	}
}

func makePRDRunFunc(cwd, cfgPath string) server.PRDRunFunc {
	return func(req server.PRDRunRequest) (any, error) {
		cfg := loadConfig(cfgPath)
		opts := taskstore.SelectOptions{PRDPath: req.PRD, YAMLPath: req.YAML, GitHubRepo: req.GitHub, GitHubLabel: req.GitHubLabel}
		adapter := taskstore.Select(opts)

		if req.Parallel {
			return runServerParallel(cwd, cfg, req, adapter)
		}

		exec := executor.New(agent.NewSubprocessInvoker(), prompt.NewBuilder(nil), cwd, req.Engine)
		shell := git.NewShellManager(cwd)
		var branches prdloop.BranchManager
		if req.BranchPerTask {
			branches = git.NewBranchManager(cwd, req.BaseBranch)
		}
		progressWriter := progress.NewWriter(state.ProgressPath(cwd))
		runID := runlog.NewRunID()
		runLog := runlog.NewWriter(state.LogsDir(cwd), runID)
		loop := prdloop.New(adapter, exec, branches, shell, commandRunner{cwd: cwd}, progressWriter, runLog)

		return loop.Run(context.Background(), prdloop.Options{
			MaxIterations: req.MaxIterations,
			MaxRetries:    req.MaxRetries,
			RetryDelay:    time.Duration(req.RetryDelay) * time.Second,
			Engine:        req.Engine,
			Rules:         cfg.Rules,
			Boundaries:    cfg.Boundaries.NeverTouch,
			SkipTests:     req.SkipTests,
			SkipLint:      req.SkipLint,
			AutoCommit:    req.AutoCommit,
			BranchPerTask: req.BranchPerTask,
			CreatePR:      req.CreatePR,
			DraftPR:       req.DraftPR,
			BaseBranch:    req.BaseBranch,
			GutterConfig:  gutter.DefaultConfig(),
			RunID:         runID,
		}), nil
	}
}

func runServerParallel(cwd string, cfg *config.Config, req server.PRDRunRequest, adapter taskstore.Adapter) (any, error) {
	if req.GitHub != "" {
		return nil, errors.New("task-source: parallel mode does not support issue-tracker task sources")
	}

	sourcePath := req.YAML
	if sourcePath == "" {
		sourcePath = req.PRD
	}
	if sourcePath == "" {
		sourcePath = taskstore.DefaultMarkdownPath
	}
	isYAML := req.YAML != ""

	allTasks, err := adapter.ParseAll()
	if err != nil {
		return nil, err
	}

	shell := git.NewShellManager(cwd)
	execFactory := func(workDir string) scheduler.TaskExecutor {
		return executor.New(agent.NewSubprocessInvoker(), prompt.NewBuilder(nil), workDir, req.Engine)
	}
	adapterFactory := func(workDir, copiedSourcePath string) taskstore.Adapter {
		if isYAML {
			return taskstore.Select(taskstore.SelectOptions{YAMLPath: copiedSourcePath})
		}
		return taskstore.Select(taskstore.SelectOptions{PRDPath: copiedSourcePath})
	}
	mergeFactory := func(workDir string) *merge.Resolver {
		return merge.New(agent.NewSubprocessInvoker(), git.NewShellManager(workDir), workDir, resolveMergeEngine(req.Engine))
	}
	sched := scheduler.New(shell, sourcePath, isYAML, execFactory, adapterFactory, mergeFactory, state.WorktreesDir(cwd))

	return sched.Run(context.Background(), allTasks, scheduler.Options{
		MaxIterations: req.MaxIterations,
		MaxParallel:   req.MaxParallel,
		MaxRetries:    req.MaxRetries,
		Engine:        req.Engine,
		Rules:         cfg.Rules,
		Boundaries:    cfg.Boundaries.NeverTouch,
		SkipTests:     req.SkipTests,
		SkipLint:      req.SkipLint,
		AutoCommit:    req.AutoCommit,
	}), nil
}
