package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/interrupt"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
	"github.com/nextlevelbuilder/clawcore/internal/state"
	"github.com/nextlevelbuilder/clawcore/internal/tools"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

var filerefPattern = regexp.MustCompile(`@([^\s@]+)`)

// fileReference is one resolved @-mention.
type fileReference struct {
	Type    string `json:"type"` // "file" or "directory"
	Name    string `json:"name"`
	Content string `json:"content"`
}

// fileReferences resolves @path mentions in the input into content
// blocks that mimic the model having read the files itself. Each block
// pair is a synthetic tool call wrapped in system-reminder text, so the
// model treats the content as tool output rather than user prose.
func (e *Engine) fileReferences(text string, h *interrupt.Handle, main *state.AgentState) []providers.ContentBlock {
	matches := filerefPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := map[string]bool{}
	var refs []fileReference
	var blocks []providers.ContentBlock

	for _, m := range matches {
		raw := strings.TrimRight(m[1], ".,;:!?)")
		if raw == "" || seen[raw] {
			continue
		}
		seen[raw] = true

		name, startLine, endLine := parseRefRange(raw)
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.config.WorkDir(), path)
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		var ref fileReference
		var block providers.ContentBlock
		if info.IsDir() {
			ref, block = e.refDirectory(h.Context(), raw, path)
		} else {
			ref, block = e.refFile(h.Context(), raw, path, startLine, endLine, main)
		}
		if ref.Content == "" {
			continue
		}
		refs = append(refs, ref)
		blocks = append(blocks, block)
	}

	if len(refs) > 0 {
		e.events.Emit(protocol.EventFileReference, bus.Payload{"references": refs})
	}
	return blocks
}

// parseRefRange splits "name:12-80" into its parts. A bare "name" or an
// unparsable suffix leaves the lines at zero.
func parseRefRange(raw string) (name string, start, end int) {
	name = raw
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 {
		return name, 0, 0
	}
	spec := raw[idx+1:]
	from, to, hasRange := strings.Cut(spec, "-")
	s, err := strconv.Atoi(from)
	if err != nil || s <= 0 {
		return name, 0, 0
	}
	if !hasRange {
		return raw[:idx], s, s
	}
	t, err := strconv.Atoi(to)
	if err != nil || t < s {
		return name, 0, 0
	}
	return raw[:idx], s, t
}

func (e *Engine) refDirectory(ctx context.Context, name, path string) (fileReference, providers.ContentBlock) {
	bash, ok := e.registry.Get("Bash")
	if !ok {
		return fileReference{}, providers.ContentBlock{}
	}
	out, err := bash.Invoke(ctx, map[string]any{
		"command": fmt.Sprintf("ls %q", path),
	}, e.refToolContext())
	if err != nil {
		return fileReference{}, providers.ContentBlock{}
	}
	ref := fileReference{Type: "directory", Name: name, Content: out.ResultForAssistant}
	block := providers.TextBlock(fmt.Sprintf(
		"<system-reminder>The user attached directory @%s. Contents of %s:\n\n%s</system-reminder>",
		name, path, out.ResultForAssistant))
	return ref, block
}

// refReadInput computes the Read arguments for a line range. A bare
// reference or a range ending inside the first page reads the whole
// file; spans wider than one page read a page centered on the range
// midpoint; anything else reads the exact span.
func refReadInput(path string, start, end int) map[string]any {
	input := map[string]any{"file_path": path}
	switch {
	case start == 0 || end <= tools.MaxLinesToRead:
		// Plain read; the tool itself caps at one page.
	case end-start+1 > tools.MaxLinesToRead:
		mid := (start + end) / 2
		offset := mid - tools.MaxLinesToRead/2
		if offset < 1 {
			offset = 1
		}
		input["offset"] = offset
		input["limit"] = tools.MaxLinesToRead
	default:
		input["offset"] = start
		input["limit"] = end - start + 1
	}
	return input
}

func (e *Engine) refFile(ctx context.Context, name, path string, start, end int, main *state.AgentState) (fileReference, providers.ContentBlock) {
	read, ok := e.registry.Get("Read")
	if !ok {
		return fileReference{}, providers.ContentBlock{}
	}

	input := refReadInput(path, start, end)
	tc := e.refToolContext()
	tc.State = main
	out, err := read.Invoke(ctx, input, tc)
	if err != nil {
		return fileReference{}, providers.ContentBlock{}
	}

	ref := fileReference{Type: "file", Name: name, Content: out.ResultForAssistant}
	block := providers.TextBlock(fmt.Sprintf(
		"<system-reminder>The user attached file @%s. Result of reading %s:\n\n%s</system-reminder>",
		name, path, out.ResultForAssistant))
	return ref, block
}

func (e *Engine) refToolContext() *tools.Context {
	return &tools.Context{
		AgentID: state.MainAgentID,
		WorkDir: e.config.WorkDir(),
		Events:  e.events,
		Config:  e.config,
	}
}
