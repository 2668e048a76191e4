package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultBashTimeout = 2 * time.Minute
	maxBashTimeout     = 10 * time.Minute
	maxBashOutput      = 30000
)

// BashTool runs a shell command in the working directory.
type BashTool struct{}

func NewBashTool() *BashTool { return &BashTool{} }

func (t *BashTool) Name() string { return "Bash" }

func (t *BashTool) Description() string {
	return "Executes a bash command in the working directory and returns combined output. " +
		"Long-running commands are bounded by the timeout parameter (milliseconds)."
}

func (t *BashTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to execute",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Timeout in milliseconds (max 600000)",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Short description of what the command does",
			},
		},
		"required": []any{"command"},
	}
}

func (t *BashTool) IsReadOnly() bool { return false }

func (t *BashTool) ValidateInput(input map[string]any, tc *Context) error {
	if strings.TrimSpace(str(input, "command")) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func (t *BashTool) GenToolPermission(input map[string]any) (string, string) {
	command := str(input, "command")
	return "Bash command", fmt.Sprintf("$ %s", truncateForDisplay(command, 2000))
}

func (t *BashTool) GetDisplayTitle(input map[string]any) string {
	if d := str(input, "description"); d != "" {
		return d
	}
	return truncateForDisplay(str(input, "command"), 60)
}

func (t *BashTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	title := t.GetDisplayTitle(input)
	data, _ := out.Data.(bashResult)
	summary := "Command completed"
	if data.ExitCode != 0 {
		summary = fmt.Sprintf("Exit code %d", data.ExitCode)
	}
	return title, summary, out.ResultForAssistant
}

type bashResult struct {
	ExitCode int
	TimedOut bool
}

func (t *BashTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	command := str(input, "command")

	timeout := defaultBashTimeout
	if ms, ok := num(input, "timeout"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxBashTimeout {
			timeout = maxBashTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	if tc != nil && tc.WorkDir != "" {
		cmd.Dir = tc.WorkDir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else if !timedOut {
			return nil, fmt.Errorf("run command: %w", err)
		} else {
			exitCode = -1
		}
	}

	output := trimOutput(buf.String())
	if timedOut {
		output += fmt.Sprintf("\n(Command timed out after %s)", timeout)
	}
	if output == "" {
		output = "(no output)"
	}
	if exitCode != 0 && !timedOut {
		output += fmt.Sprintf("\n(Exit code %d)", exitCode)
	}

	return &Output{
		Data:               bashResult{ExitCode: exitCode, TimedOut: timedOut},
		ResultForAssistant: output,
	}, nil
}

// trimOutput keeps head and tail of oversized command output.
func trimOutput(s string) string {
	if len(s) <= maxBashOutput {
		return s
	}
	half := maxBashOutput / 2
	return s[:half] + fmt.Sprintf("\n\n… (%d chars truncated) …\n\n", len(s)-maxBashOutput) + s[len(s)-half:]
}
