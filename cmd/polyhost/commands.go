package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/polyhost/internal/api"
	"github.com/mattjoyce/polyhost/internal/doctor"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/lock"
	"github.com/mattjoyce/polyhost/internal/tui/watch"
)

const apiKeyEnv = "POLYHOST_API_KEY"

// runCheck exits 0 when valid, 1 on errors and 2 when only warnings were found.
func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	registry, err := function.Discover(cfg.FunctionsDir, cfg.Runtimes, func(string, string, ...any) {})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Function discovery failed: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, registry).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return 1
	case len(result.Warnings) > 0 && *strict:
		return 1
	case len(result.Warnings) > 0:
		return 2
	default:
		return 0
	}
}

func runFunctions(args []string) int {
	fs := flag.NewFlagSet("functions", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	registry, err := function.Discover(cfg.FunctionsDir, cfg.Runtimes, func(level, msg string, args ...any) {
		if level == "warn" || level == "error" {
			fmt.Fprintf(os.Stderr, "%s: %s %v\n", strings.ToUpper(level), msg, args)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Function discovery failed: %v\n", err)
		return 1
	}

	fns := registry.All()
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })

	if *jsonOut {
		out := make([]api.FunctionResponse, 0, len(fns))
		for _, fn := range fns {
			out = append(out, api.FunctionResponse{ID: fn.ID, Name: fn.Name, Runtime: fn.Runtime, ScriptFile: fn.ScriptFile})
		}
		return printJSON(out)
	}

	if len(fns) == 0 {
		fmt.Println("No functions found.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRUNTIME\tSCRIPT")
	for _, fn := range fns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", fn.Name, fn.ID, fn.Runtime, fn.ScriptFile)
	}
	_ = w.Flush()
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	invocations := fs.Bool("invocations", false, "Show invocations instead of worker events")
	runtimeName := fs.String("runtime", "", "Only worker events for this runtime")
	functionID := fs.String("function", "", "Only invocations of this function id")
	limit := fs.Int("limit", 50, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()

	if *invocations {
		rows, err := store.RecentInvocations(ctx, *functionID, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(rows)
		}
		fmt.Fprintln(w, "COMPLETED\tFUNCTION\tRUNTIME\tSTATUS\tDURATION\tERROR")
		for _, inv := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				inv.CompletedAt.Local().Format(time.DateTime), inv.FunctionName, inv.Runtime,
				inv.Status, inv.Duration.Round(time.Millisecond), inv.Error)
		}
		return 0
	}

	rows, err := store.RecentWorkerEvents(ctx, *runtimeName, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(rows)
	}
	fmt.Fprintln(w, "AT\tRUNTIME\tCHANNEL\tEVENT\tATTEMPT\tDETAIL")
	for _, ev := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			ev.At.Local().Format(time.DateTime), ev.Runtime, ev.ChannelID, ev.Event, ev.Attempt, ev.Detail)
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	held, err := lock.Held(cfg.Service.LockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to probe lock: %v\n", err)
		return 1
	}
	if !held {
		fmt.Println("polyhost is not running")
		return 3
	}

	owner, err := lock.ReadOwner(cfg.Service.LockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read lock file: %v\n", err)
		return 1
	}
	fmt.Printf("polyhost running (pid %d)\n", owner.PID)
	keys := make([]string, 0, len(owner.Attrs))
	for k := range owner.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, owner.Attrs[k])
	}
	return 0
}

func runInvoke(args []string) int {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Host API URL")
	apiKey := fs.String("api-key", os.Getenv(apiKeyEnv), "API Bearer Token")
	timeout := fs.Duration("timeout", 30*time.Second, "How long to wait for the result")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "Usage: polyhost invoke [flags] <function-id> [inputs-json]")
		return 1
	}

	var req api.InvokeRequest
	if fs.NArg() == 2 {
		if err := json.Unmarshal([]byte(fs.Arg(1)), &req.Inputs); err != nil {
			fmt.Fprintf(os.Stderr, "Inputs must be a JSON object: %v\n", err)
			return 1
		}
	}

	resp, err := postInvoke(*apiURL, *apiKey, fs.Arg(0), *timeout, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invoke failed: %v\n", err)
		return 1
	}
	if code := printJSON(resp); code != 0 {
		return code
	}
	if resp.Status != "succeeded" {
		return 1
	}
	return 0
}

func postInvoke(baseURL, apiKey, functionID string, timeout time.Duration, req api.InvokeRequest) (*api.InvokeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/functions/%s/invoke?timeout=%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(functionID), url.QueryEscape(timeout.String()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var out api.InvokeResponse
	if err := json.Unmarshal(data, &out); err == nil && out.InvocationID != "" {
		return &out, nil
	}
	var apiErr api.ErrorResponse
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("%s: %s", httpResp.Status, apiErr.Error)
	}
	return nil, fmt.Errorf("unexpected response: %s", httpResp.Status)
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Host API URL")
	apiKey := fs.String("api-key", os.Getenv(apiKeyEnv), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(watch.Client{BaseURL: strings.TrimRight(*apiURL, "/"), APIKey: *apiKey})
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
