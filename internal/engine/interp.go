package engine

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/oj-sh/oj/internal/runbook"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.\-]+)\}`)

// interpolate substitutes {name} placeholders from vars. Unknown names are
// left in place so a bad template is visible in the command rather than
// silently blanked.
func interpolate(tmpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// escapeShellMeta neutralises backticks and dollar-parens in text that is
// substituted into a shell command line (rendered prompts in particular).
func escapeShellMeta(s string) string {
	s = strings.ReplaceAll(s, "`", "\\`")
	s = strings.ReplaceAll(s, "$(", "\\$(")
	return s
}

// namespaceVars returns user inputs keyed under var.; raw field names are
// never exposed to templates.
func namespaceVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out["var."+k] = v
	}
	return out
}

// shellEval runs value through bash -c with a bounded timeout and strips
// trailing newlines. Used for local.* entries and workspace source templates
// containing $(...).
func shellEval(ctx context.Context, value, dir string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "bash", "-c", "printf '%s' \""+strings.ReplaceAll(value, `"`, `\"`)+"\"")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("shell eval %q: %w", value, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// needsShellEval reports whether a template value contains command
// substitution.
func needsShellEval(value string) bool {
	return strings.Contains(value, "$(")
}

// evalLocals evaluates local.* declarations in order, each seeing the vars
// plus earlier locals.
func (e *Engine) evalLocals(ctx context.Context, locals []runbook.LocalDef, vars map[string]string, dir string) error {
	timeout := 30 * time.Second
	if e.cfg != nil {
		timeout = e.cfg.Shell.EvalTimeoutDuration()
	}
	for _, l := range locals {
		value := interpolate(l.Value, vars)
		if needsShellEval(value) {
			evaluated, err := shellEval(ctx, value, dir, timeout)
			if err != nil {
				return fmt.Errorf("local %s: %w", l.Name, err)
			}
			value = evaluated
		}
		vars["local."+l.Name] = value
	}
	return nil
}
