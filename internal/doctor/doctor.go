// Package doctor checks that a host configuration can actually run its functions.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"github.com/mattjoyce/polyhost/internal/auth"
	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a config against the functions discovered under it.
type Doctor struct {
	cfg       *config.Config
	functions *function.Registry
	lookPath  func(string) (string, error)
	numCPU    int
}

// New creates a Doctor. functions may be nil when discovery failed.
func New(cfg *config.Config, functions *function.Registry) *Doctor {
	if functions == nil {
		functions = function.NewRegistry()
	}
	return &Doctor{cfg: cfg, functions: functions, lookPath: exec.LookPath, numCPU: runtime.NumCPU()}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePaths(r)
	d.validateRuntimes(r)
	d.validateFunctions(r)
	d.validateAPIConfig(r)
	d.warnWorkerLimits(r)
	d.warnUnusedRuntimes(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validatePaths(r *Result) {
	if d.cfg.FunctionsDir == "" {
		d.addError(r, "paths", "functions_dir", "functions_dir is required")
	} else if info, err := os.Stat(d.cfg.FunctionsDir); err != nil || !info.IsDir() {
		d.addError(r, "paths", "functions_dir", fmt.Sprintf("%s is not a readable directory", d.cfg.FunctionsDir))
	}

	if d.cfg.Journal.Path != "" {
		if err := storage.CheckLocalFilesystem(d.cfg.Journal.Path); err != nil {
			d.addError(r, "paths", "journal.path", err.Error())
		}
	}
	if d.cfg.Service.LockPath == "" {
		d.addWarning(r, "paths", "service.lock_path", "no lock path; two hosts could share a functions directory")
	}
}

func (d *Doctor) validateRuntimes(r *Result) {
	for i, rt := range d.cfg.Runtimes {
		field := fmt.Sprintf("runtimes[%d]", i)
		if _, err := d.lookPath(rt.Executable); err != nil {
			d.addError(r, "runtime", field+".executable",
				fmt.Sprintf("runtime %q: executable %q not found", rt.Name, rt.Executable))
		}
		if rt.WorkerScript != "" {
			if _, err := os.Stat(rt.WorkerScript); err != nil {
				d.addError(r, "runtime", field+".worker_script",
					fmt.Sprintf("runtime %q: worker script %s missing", rt.Name, rt.WorkerScript))
			}
		}
		if rt.WorkingDir != "" {
			if info, err := os.Stat(rt.WorkingDir); err != nil || !info.IsDir() {
				d.addError(r, "runtime", field+".working_dir",
					fmt.Sprintf("runtime %q: working directory %s missing", rt.Name, rt.WorkingDir))
			}
		}
		if len(rt.Extensions) == 0 {
			d.addWarning(r, "runtime", field+".extensions",
				fmt.Sprintf("runtime %q claims no extensions; manifests must name it explicitly", rt.Name))
		}
	}
}

func (d *Doctor) validateFunctions(r *Result) {
	fns := d.functions.All()
	if len(fns) == 0 {
		d.addWarning(r, "functions", "functions_dir", "no functions discovered")
		return
	}
	for _, fn := range fns {
		if _, ok := d.cfg.Runtime(fn.Runtime); !ok {
			d.addError(r, "functions", fn.Name, fmt.Sprintf("runtime %q is not configured", fn.Runtime))
		}
		if _, err := os.Stat(fn.ScriptFile); err != nil {
			d.addError(r, "functions", fn.Name, fmt.Sprintf("script %s missing", fn.ScriptFile))
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.APIKey == "" && len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.api_key", "API enabled without api_key or tokens; only /healthz and /metrics will answer")
	}
	for name, tok := range d.cfg.API.Tokens {
		for _, scope := range tok.Scopes {
			if !auth.Known(scope) {
				d.addError(r, "api", "api.tokens."+name, fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

func (d *Doctor) warnWorkerLimits(r *Result) {
	w := d.cfg.Workers
	if w.MaxProcessCount > d.numCPU {
		d.addWarning(r, "workers", "workers.max_process_count",
			fmt.Sprintf("%d processes per runtime exceeds %d CPUs", w.MaxProcessCount, d.numCPU))
	}
	if w.RestartDebounce == 0 {
		d.addWarning(r, "workers", "workers.restart_debounce",
			"restart_debounce is 0; a crashing worker is relaunched immediately")
	}
	if w.TerminationGrace == 0 {
		d.addWarning(r, "workers", "workers.termination_grace",
			"termination_grace is 0; workers are killed without a chance to clean up")
	}
}

func (d *Doctor) warnUnusedRuntimes(r *Result) {
	used := make(map[string]bool)
	for _, fn := range d.functions.All() {
		used[fn.Runtime] = true
	}
	for _, rt := range d.cfg.Runtimes {
		if !used[rt.Name] {
			d.addWarning(r, "runtime", rt.Name, fmt.Sprintf("runtime %q has no functions and will not start", rt.Name))
		}
	}
}

var unresolvedEnv = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// warnMissingEnvVars reports ${VAR} references the loader could not resolve.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range unresolvedEnv.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env", field, fmt.Sprintf("environment variable %s is not set", m[1]))
		}
	}
	check("api.api_key", d.cfg.API.APIKey)
	for _, rt := range d.cfg.Runtimes {
		for k, v := range rt.Env {
			check(fmt.Sprintf("runtimes.%s.env.%s", rt.Name, k), v)
		}
		for _, a := range rt.Arguments {
			check(fmt.Sprintf("runtimes.%s.arguments", rt.Name), a)
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Host ready.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Host ready (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Host not ready (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
