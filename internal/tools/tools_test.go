package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/state"
	"github.com/nextlevelbuilder/clawcore/internal/store"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	m := state.NewManager(bus.New(), nil)
	return &Context{
		AgentID: state.MainAgentID,
		WorkDir: t.TempDir(),
		Events:  bus.New(),
		State:   m.ForAgent(state.MainAgentID),
	}
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadRecordsTimestamp(t *testing.T) {
	tc := testContext(t)
	path := writeTemp(t, tc.WorkDir, "a.txt", "line one\nline two\n")

	read := NewReadTool()
	input := map[string]any{"file_path": path}
	if err := read.ValidateInput(input, tc); err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	out, err := read.Invoke(context.Background(), input, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.ResultForAssistant == "" {
		t.Error("read output empty")
	}
	if _, ok := tc.State.ReadFileTimestamp(path); !ok {
		t.Error("read must record the file timestamp")
	}
}

func TestReadOffsetLimit(t *testing.T) {
	tc := testContext(t)
	content := ""
	for i := 1; i <= 10; i++ {
		content += "line\n"
	}
	path := writeTemp(t, tc.WorkDir, "b.txt", content)

	out, err := NewReadTool().Invoke(context.Background(), map[string]any{
		"file_path": path, "offset": float64(3), "limit": float64(2),
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	data := out.Data.(readResult)
	if data.LineCount != 2 {
		t.Errorf("line count = %d, want 2", data.LineCount)
	}
	if !data.Truncated {
		t.Error("partial read must be marked truncated")
	}
}

func TestEditRequiresRead(t *testing.T) {
	tc := testContext(t)
	path := writeTemp(t, tc.WorkDir, "c.txt", "hello world")

	edit := NewEditTool()
	input := map[string]any{"file_path": path, "old_string": "world", "new_string": "there"}

	// Never read: rejected.
	if err := edit.ValidateInput(input, tc); err == nil {
		t.Fatal("edit of unread file must be rejected")
	}

	// Read, then edit succeeds.
	if _, err := NewReadTool().Invoke(context.Background(), map[string]any{"file_path": path}, tc); err != nil {
		t.Fatal(err)
	}
	if err := edit.ValidateInput(input, tc); err != nil {
		t.Fatalf("edit after read: %v", err)
	}
	if _, err := edit.Invoke(context.Background(), input, tc); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello there" {
		t.Errorf("file = %q", data)
	}

	// Edit refreshes the timestamp, so a sequential edit still passes.
	input2 := map[string]any{"file_path": path, "old_string": "there", "new_string": "again"}
	if err := edit.ValidateInput(input2, tc); err != nil {
		t.Errorf("sequential edit must pass: %v", err)
	}
}

func TestEditRejectsStaleRead(t *testing.T) {
	tc := testContext(t)
	path := writeTemp(t, tc.WorkDir, "d.txt", "v1")

	if _, err := NewReadTool().Invoke(context.Background(), map[string]any{"file_path": path}, tc); err != nil {
		t.Fatal(err)
	}

	// External modification after the read.
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	err := NewEditTool().ValidateInput(map[string]any{
		"file_path": path, "old_string": "v2", "new_string": "v3",
	}, tc)
	if err == nil {
		t.Error("stale read must reject the edit")
	}
}

func TestEditUniqueness(t *testing.T) {
	tc := testContext(t)
	path := writeTemp(t, tc.WorkDir, "e.txt", "aa bb aa")
	if _, err := NewReadTool().Invoke(context.Background(), map[string]any{"file_path": path}, tc); err != nil {
		t.Fatal(err)
	}

	edit := NewEditTool()
	if _, err := edit.Invoke(context.Background(), map[string]any{
		"file_path": path, "old_string": "aa", "new_string": "cc",
	}, tc); err == nil {
		t.Error("ambiguous old_string must fail without replace_all")
	}

	out, err := edit.Invoke(context.Background(), map[string]any{
		"file_path": path, "old_string": "aa", "new_string": "cc", "replace_all": true,
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data.(editResult).Replaced != 2 {
		t.Errorf("replaced = %d, want 2", out.Data.(editResult).Replaced)
	}
}

func TestWriteNewFileNeedsNoRead(t *testing.T) {
	tc := testContext(t)
	path := filepath.Join(tc.WorkDir, "new.txt")

	write := NewWriteTool()
	input := map[string]any{"file_path": path, "content": "fresh"}
	if err := write.ValidateInput(input, tc); err != nil {
		t.Fatalf("creating a new file must not require a read: %v", err)
	}
	if _, err := write.Invoke(context.Background(), input, tc); err != nil {
		t.Fatal(err)
	}

	// Overwriting now requires freshness, which Invoke recorded.
	if err := write.ValidateInput(map[string]any{"file_path": path, "content": "v2"}, tc); err != nil {
		t.Errorf("overwrite after create must pass: %v", err)
	}
}

func TestTodoWriteRejectsTwoInProgress(t *testing.T) {
	tc := testContext(t)
	todo := NewTodoWriteTool()

	bad := map[string]any{"todos": []any{
		map[string]any{"content": "a", "status": "in_progress", "activeForm": "Doing a"},
		map[string]any{"content": "b", "status": "in_progress", "activeForm": "Doing b"},
	}}
	if err := todo.ValidateInput(bad, tc); err == nil {
		t.Fatal("two in_progress todos must be rejected")
	}
	if len(tc.State.Todos()) != 0 {
		t.Error("rejected write must not mutate state")
	}

	good := map[string]any{"todos": []any{
		map[string]any{"content": "a", "status": "in_progress", "activeForm": "Doing a"},
		map[string]any{"content": "b", "status": "pending", "activeForm": "Doing b"},
	}}
	if err := todo.ValidateInput(good, tc); err != nil {
		t.Fatal(err)
	}
	if _, err := todo.Invoke(context.Background(), good, tc); err != nil {
		t.Fatal(err)
	}
	if len(tc.State.Todos()) != 2 {
		t.Errorf("todos = %d", len(tc.State.Todos()))
	}
}

func TestGlob(t *testing.T) {
	tc := testContext(t)
	writeTemp(t, tc.WorkDir, "main.go", "package main")
	os.MkdirAll(filepath.Join(tc.WorkDir, "sub"), 0o755)
	writeTemp(t, filepath.Join(tc.WorkDir, "sub"), "util.go", "package sub")
	writeTemp(t, tc.WorkDir, "readme.md", "# hi")

	out, err := NewGlobTool().Invoke(context.Background(), map[string]any{"pattern": "**/*.go"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data.(globResult).Count != 2 {
		t.Errorf("glob count = %d, want 2\n%s", out.Data.(globResult).Count, out.ResultForAssistant)
	}
}

func TestGrep(t *testing.T) {
	tc := testContext(t)
	writeTemp(t, tc.WorkDir, "a.go", "func Alpha() {}\nfunc Beta() {}\n")
	writeTemp(t, tc.WorkDir, "b.txt", "no functions here\n")

	out, err := NewGrepTool().Invoke(context.Background(), map[string]any{
		"pattern": `func \w+`, "glob": "*.go", "output_mode": "content",
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data.(grepResult).Matches != 2 {
		t.Errorf("matches = %d, want 2", out.Data.(grepResult).Matches)
	}
}

func TestFilterForTurn(t *testing.T) {
	r := NewRegistry()
	r.Register(NewReadTool())
	r.Register(NewBashTool())
	r.Register(NewTodoWriteTool())
	r.Register(NewTaskTool(nil, nil))

	names := func(ts []Tool) map[string]bool {
		out := make(map[string]bool)
		for _, t := range ts {
			out[t.Name()] = true
		}
		return out
	}

	// Plan mode drops TodoWrite.
	got := names(r.FilterForTurn(FilterOptions{PlanMode: true}))
	if got["TodoWrite"] {
		t.Error("plan mode must drop TodoWrite")
	}
	if !got["Read"] || !got["Task"] {
		t.Errorf("plan filter dropped too much: %v", got)
	}

	// Subagents drop Task and intersect with agent tools.
	got = names(r.FilterForTurn(FilterOptions{Subagent: true, AgentTools: []string{"Read", "Task"}}))
	if got["Task"] {
		t.Error("subagent must drop Task")
	}
	if !got["Read"] || got["Bash"] {
		t.Errorf("subagent intersection wrong: %v", got)
	}

	// Star keeps everything except Task.
	got = names(r.FilterForTurn(FilterOptions{Subagent: true, AgentTools: []string{"*"}}))
	if !got["Bash"] || got["Task"] {
		t.Errorf("star intersection wrong: %v", got)
	}

	// useTools restricts builtins before the MCP union.
	got = names(r.FilterForTurn(FilterOptions{UseTools: []string{"Read"}}))
	if len(got) != 1 || !got["Read"] {
		t.Errorf("useTools filter wrong: %v", got)
	}
}

func TestValidateSchema(t *testing.T) {
	r := NewRegistry()
	read := NewReadTool()
	r.Register(read)

	if err := r.ValidateSchema(read, map[string]any{"file_path": "/tmp/x"}); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := r.ValidateSchema(read, map[string]any{}); err == nil {
		t.Error("missing required field must fail schema validation")
	}
	if err := r.ValidateSchema(read, map[string]any{"file_path": 42}); err == nil {
		t.Error("wrong type must fail schema validation")
	}
}

func TestTodoMergePreservation(t *testing.T) {
	tc := testContext(t)
	tc.State.SetTodos([]store.Todo{
		{ID: "1", Content: "first", Status: store.TodoPending, ActiveForm: "Doing first"},
		{ID: "2", Content: "second", Status: store.TodoPending, ActiveForm: "Doing second"},
	})

	input := map[string]any{"todos": []any{
		map[string]any{"id": "1", "content": "first", "status": "completed", "activeForm": "Doing first"},
	}}
	if _, err := NewTodoWriteTool().Invoke(context.Background(), input, tc); err != nil {
		t.Fatal(err)
	}
	todos := tc.State.Todos()
	if len(todos) != 2 {
		t.Fatalf("merge must keep unmentioned todos, got %d", len(todos))
	}
	if todos[0].Status != store.TodoCompleted {
		t.Errorf("todo 1 status = %q", todos[0].Status)
	}
}
