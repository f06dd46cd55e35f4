// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Command loom runs skills, freeform chat requests and follow-ups against
// the configured providers and tool directories.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/mcptool"
	"github.com/loomworks/loom/pkg/orchestrator"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/skills"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/telemetry"
)

const version = "0.1.0"

type globalFlags struct {
	ConfigPath string
	JSON       bool
	MCPServers multiFlag
	Help       bool
}

// multiFlag collects repeated flag values.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		if global.Help {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}

	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("loom", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fatal(fmt.Errorf("init telemetry: %w", err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown(ctx)
	}()
	telemetry.InitRunMetrics()

	db, err := store.Open(cfg.Store.Path, cfg.Store.Retention)
	if err != nil {
		fatal(fmt.Errorf("open store: %w", err))
	}
	defer db.Close()

	command, args := args[0], args[1:]
	switch command {
	case "run":
		err = cmdRun(ctx, cfg, db, global, args)
	case "chat":
		err = cmdChat(ctx, cfg, db, global, args)
	case "followup":
		err = cmdFollowUp(ctx, cfg, db, global, args)
	case "skills":
		err = cmdSkills(cfg, global)
	case "tools":
		err = cmdTools(ctx, cfg, db, global)
	case "runs":
		err = cmdRuns(ctx, db, global, args)
	case "cred":
		err = cmdCred(ctx, db, args)
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		fatal(err)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var global globalFlags
	fs := flag.NewFlagSet("loom", flag.ContinueOnError)
	fs.StringVar(&global.ConfigPath, "config", "", "path to a YAML config file")
	fs.BoolVar(&global.JSON, "json", false, "print results as JSON")
	fs.Var(&global.MCPServers, "mcp", "MCP server as name=command [args...] (repeatable)")
	fs.BoolVar(&global.Help, "help", false, "print usage")
	fs.Usage = printUsage
	if err := fs.Parse(args); err != nil {
		return global, nil, err
	}
	return global, fs.Args(), nil
}

// buildOrchestrator assembles the engine from config, definition
// directories, the store and any MCP servers.
func buildOrchestrator(ctx context.Context, cfg *config.Config, db *store.Store, global globalFlags) (*orchestrator.Orchestrator, error) {
	if !cfg.LLM.Configured() {
		return nil, fmt.Errorf("no provider configured; set llm.api_key or LOOM_LLM_API_KEY")
	}
	provider := llm.NewOpenAI(cfg.LLM.APIKey,
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithModel(cfg.LLM.Model),
	)

	var fallback llm.Provider
	if cfg.Fallback.Configured() {
		fallback = llm.NewOpenAI(cfg.Fallback.APIKey,
			llm.WithBaseURL(cfg.Fallback.BaseURL),
			llm.WithModel(cfg.Fallback.Model),
		)
	}

	loadedSkills, err := loadSkills(cfg)
	if err != nil {
		return nil, err
	}
	tools, err := loadTools(ctx, cfg, db)
	if err != nil {
		return nil, err
	}

	handlers := sandbox.NewHandlerRegistry()
	for _, spec := range global.MCPServers {
		name, command, args, err := parseMCPSpec(spec)
		if err != nil {
			return nil, err
		}
		client, err := mcptool.Connect(command, args)
		if err != nil {
			return nil, fmt.Errorf("connect mcp server %s: %w", name, err)
		}
		mcpTools, err := mcptool.NewSource(name, client).Register(ctx, handlers)
		if err != nil {
			return nil, err
		}
		tools = append(tools, mcpTools...)
	}

	return orchestrator.New(orchestrator.Options{
		Provider:      provider,
		Model:         cfg.LLM.Model,
		Fallback:      fallback,
		FallbackModel: cfg.Fallback.Model,
		PlannerModel:  cfg.Planner.Model,
		Skills:        loadedSkills,
		Tools:         tools,
		Handlers:      handlers,
		Credentials:   db,
		FileRoot:      cfg.Paths.Files,
		PacingGap:     time.Duration(cfg.Sandbox.PacingMs) * time.Millisecond,
		HTTPTimeout:   time.Duration(cfg.Sandbox.HTTPTimeoutSec) * time.Second,
		DefaultQuota:  cfg.Sandbox.DefaultQuota,
		Recorder:      db,
	}), nil
}

// loadSkills reads the skills directory; a missing directory means no
// declared skills, not an error.
func loadSkills(cfg *config.Config) ([]core.Skill, error) {
	loaded, err := skills.LoadSkillsDir(cfg.Paths.Skills)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}
	return loaded, nil
}

// loadTools merges directory definitions with store definitions; directory
// entries win on name collisions.
func loadTools(ctx context.Context, cfg *config.Config, db *store.Store) ([]core.Tool, error) {
	fromDir, err := skills.LoadToolsDir(cfg.Paths.Tools)
	if os.IsNotExist(err) {
		fromDir = nil
	} else if err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	fromStore, err := db.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(fromDir))
	for _, tool := range fromDir {
		seen[tool.Name] = true
	}
	for _, tool := range fromStore {
		if !seen[tool.Name] {
			fromDir = append(fromDir, tool)
		}
	}
	return fromDir, nil
}

func parseMCPSpec(spec string) (name, command string, args []string, err error) {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok || name == "" || strings.TrimSpace(rest) == "" {
		return "", "", nil, fmt.Errorf("invalid -mcp value %q, want name=command [args...]", spec)
	}
	fields := strings.Fields(rest)
	return name, fields[0], fields[1:], nil
}

func cmdRun(ctx context.Context, cfg *config.Config, db *store.Store, global globalFlags, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var inputs multiFlag
	fs.Var(&inputs, "input", "skill input as key=value (repeatable)")
	instructions := fs.String("instructions", "", "extra instructions for this run")
	stream := fs.Bool("stream", false, "print progress events while running")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: loom run [flags] <skill>")
	}

	inputMap := make(map[string]string, len(inputs))
	for _, pair := range inputs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid -input value %q, want key=value", pair)
		}
		inputMap[key] = value
	}

	o, err := buildOrchestrator(ctx, cfg, db, global)
	if err != nil {
		return err
	}

	var result *core.RunResult
	if *stream {
		events := make(chan core.Event, 256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for event := range events {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", event.Type, formatPayload(event.Payload))
			}
		}()
		result, err = o.RunStream(ctx, fs.Arg(0), inputMap, *instructions, events)
		close(events)
		<-done
	} else {
		result, err = o.Run(ctx, fs.Arg(0), inputMap, *instructions)
	}
	if err != nil {
		return err
	}
	return printResult(result, global.JSON)
}

func cmdChat(ctx context.Context, cfg *config.Config, db *store.Store, global globalFlags, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loom chat <message>")
	}
	o, err := buildOrchestrator(ctx, cfg, db, global)
	if err != nil {
		return err
	}
	return printResult(o.RunChat(ctx, args[0]), global.JSON)
}

func cmdFollowUp(ctx context.Context, cfg *config.Config, db *store.Store, global globalFlags, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: loom followup <run-id> <message>")
	}
	previous, err := db.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	o, err := buildOrchestrator(ctx, cfg, db, global)
	if err != nil {
		return err
	}
	return printResult(o.FollowUp(ctx, previous.Output, args[1]), global.JSON)
}

func cmdSkills(cfg *config.Config, global globalFlags) error {
	loaded, err := loadSkills(cfg)
	if err != nil {
		return err
	}
	if global.JSON {
		return printJSON(loaded)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTOOLS\tDESCRIPTION")
	for _, skill := range loaded {
		fmt.Fprintf(w, "%s\t%s\t%s\n", skill.Name, strings.Join(skill.Tools, ","), skill.Description)
	}
	return w.Flush()
}

func cmdTools(ctx context.Context, cfg *config.Config, db *store.Store, global globalFlags) error {
	tools, err := loadTools(ctx, cfg, db)
	if err != nil {
		return err
	}
	if global.JSON {
		return printJSON(tools)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHANDLER\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Name, tool.Handler, tool.Description)
	}
	return w.Flush()
}

func cmdRuns(ctx context.Context, db *store.Store, global globalFlags, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	results, err := db.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if global.JSON {
		return printJSON(results)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSKILL\tSTATUS\tSTARTED\tDURATION\tTOOLS\tARTIFACTS")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.Skill, r.Status,
			r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond),
			len(r.ToolCalls), len(r.Artifacts))
	}
	return w.Flush()
}

func cmdCred(ctx context.Context, db *store.Store, args []string) error {
	if len(args) != 3 || args[0] != "set" {
		return fmt.Errorf("usage: loom cred set <name> <value>")
	}
	return db.SetCredential(ctx, args[1], args[2])
}

func printResult(result *core.RunResult, asJSON bool) error {
	if asJSON {
		return printJSON(result)
	}
	fmt.Println(result.Output)
	if result.Status == core.RunError {
		fmt.Fprintf(os.Stderr, "run %s failed: %s\n", result.ID, result.Error)
		os.Exit(1)
	}
	if len(result.Artifacts) > 0 {
		fmt.Fprintf(os.Stderr, "\n%d artifact(s):\n", len(result.Artifacts))
		for _, a := range result.Artifacts {
			fmt.Fprintf(os.Stderr, "  %s (%s)\n", a.URL, a.Type)
		}
	}
	return nil
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `loom %s - skill and tool run engine

Usage:
  loom [global flags] <command> [args]

Commands:
  run [flags] <skill>          execute a skill
  chat <message>               execute a freeform request
  followup <run-id> <message>  continue from a previous run's output
  skills                       list skill definitions
  tools                        list tool definitions
  runs [-limit n]              list run history
  cred set <name> <value>      store a credential

Global flags:
  -config path   YAML config file (env LOOM_* overrides)
  -json          print results as JSON
  -mcp spec      MCP server as name=command [args...] (repeatable)
`, version)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "loom:", err)
	os.Exit(1)
}
