package permission

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
)

// safeCommands run without prompting. An entry matches when the
// subcommand equals it or starts with it followed by a space.
var safeCommands = []string{
	"git status", "git diff", "git log", "git branch",
	"pwd", "tree", "date", "which",
	"ls", "find", "grep", "head", "tail", "cat", "du", "wc",
	"echo", "env", "printenv",
}

// forbiddenExecutables are rejected outright, no prompt. Network
// fetchers and browsers go through WebFetch/WebSearch instead.
var forbiddenExecutables = map[string]bool{
	"alias": true, "curl": true, "curlie": true, "wget": true,
	"axel": true, "aria2c": true, "nc": true, "telnet": true,
	"lynx": true, "w3m": true, "links": true, "httpie": true,
	"xh": true, "http-prompt": true, "chrome": true, "firefox": true,
	"safari": true,
}

const (
	prefixNone      = "none"
	prefixInjection = "command_injection_detected"
)

func (e *Engine) checkBash(tool tools.Tool, input map[string]any, h *interrupt.Handle, agentID string) error {
	command, _ := input["command"].(string)
	command = e.normalizeBash(command)

	for _, sub := range splitChain(command) {
		if err := e.checkBashSubcommand(tool, input, h, agentID, sub); err != nil {
			return err
		}
	}
	return nil
}

// normalizeBash strips the leading `cd <cwd> &&` the model habitually
// prepends, so permission keys stay stable across working directories.
func (e *Engine) normalizeBash(command string) string {
	command = strings.TrimSpace(command)
	prefix := "cd " + e.config.WorkDir()
	rest, ok := strings.CutPrefix(command, prefix)
	if !ok {
		return command
	}
	rest = strings.TrimSpace(rest)
	if after, ok := strings.CutPrefix(rest, "&&"); ok {
		return strings.TrimSpace(after)
	}
	return command
}

func (e *Engine) checkBashSubcommand(tool tools.Tool, input map[string]any, h *interrupt.Handle, agentID, sub string) error {
	if sub == "" {
		return nil
	}
	if exe := executableOf(sub); forbiddenExecutables[exe] {
		return fmt.Errorf("Command %q is not allowed: %s is blocked. Use the WebFetch or WebSearch tools for network access.", sub, exe)
	}
	if isSafeCommand(sub) {
		return nil
	}
	if e.config.IsToolAllowed(fmt.Sprintf("Bash(%s)", sub)) {
		return nil
	}

	prefix := e.extractPrefix(h, sub)
	title, content := tool.GenToolPermission(input)

	if prefix == prefixInjection {
		// Possible injection: confirm every single invocation, never
		// persist a key for it.
		content += "\n\nPossible command injection detected. This command requires confirmation each time."
		return e.request(h, agentID, tool.Name(), title, content, nil)
	}

	key := fmt.Sprintf("Bash(%s)", sub)
	if prefix != prefixNone && prefix != "" {
		key = fmt.Sprintf("Bash(%s:*)", prefix)
	}
	if e.config.IsToolAllowed(key) {
		return nil
	}
	return e.checkKeyedWithRequest(tool, h, agentID, key, title, content)
}

func (e *Engine) checkKeyedWithRequest(tool tools.Tool, h *interrupt.Handle, agentID, key, title, content string) error {
	return e.request(h, agentID, tool.Name(), title, content, func() {
		if err := e.config.AllowTool(key); err != nil {
			slog.Warn("permission.persist.failed", "key", key, "error", err)
		}
	})
}

// extractPrefix asks the quick model which portion of the command is its
// permission-relevant prefix. Results are memoized by exact command
// string for the session; any failure degrades to exact-command keying.
func (e *Engine) extractPrefix(h *interrupt.Handle, command string) string {
	e.mu.Lock()
	if cached, ok := e.prefixMemo[command]; ok {
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	result := prefixNone
	if e.llm != nil && e.models != nil {
		if profile, err := e.models.Quick(); err == nil {
			msg, err := e.llm.Stream(h.Context(), providers.Request{
				Messages:     []providers.Message{providers.NewUserText(prefixExtractionPrompt + "\n\nCommand: " + command)},
				Profile:      profile,
				MaxTokens:    64,
				DisableCache: true,
			})
			if err == nil {
				if text := strings.TrimSpace(msg.Text()); text != "" {
					result = text
				}
			}
		}
	}

	e.mu.Lock()
	e.prefixMemo[command] = result
	e.mu.Unlock()
	return result
}

// executableOf returns the program a subcommand runs, skipping leading
// VAR=value environment assignments.
func executableOf(sub string) string {
	for _, field := range strings.Fields(sub) {
		if strings.Contains(field, "=") && !strings.HasPrefix(field, "=") {
			if i := strings.Index(field, "="); i > 0 && !strings.ContainsAny(field[:i], "/ ") {
				continue
			}
		}
		return field
	}
	return ""
}

func isSafeCommand(sub string) bool {
	for _, safe := range safeCommands {
		if sub == safe || strings.HasPrefix(sub, safe+" ") {
			return true
		}
	}
	return false
}

// splitChain breaks a command on the shell chaining operators (&&, ||,
// ;) outside of quotes. Every piece must be independently allowed.
func splitChain(command string) []string {
	var parts []string
	var cur strings.Builder
	var quote byte

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(command); i++ {
		c := command[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			cur.WriteByte(c)
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			cur.WriteByte(c)
		case ';':
			flush()
		case '&', '|':
			if i+1 < len(command) && command[i+1] == c {
				flush()
				i++
			} else {
				cur.WriteByte(c)
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return parts
}
