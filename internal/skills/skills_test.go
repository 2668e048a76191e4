package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirFlatAndNested(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "commit.md", "---\nname: commit\ndescription: Write a commit message\n---\nUse imperative mood.")

	sub := filepath.Join(dir, "review")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeSkill(t, sub, "SKILL.md", "Review the diff carefully.")

	r := NewRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatal(err)
	}

	s, ok := r.Get("commit")
	if !ok {
		t.Fatal("commit skill not loaded")
	}
	if s.Description != "Write a commit message" {
		t.Errorf("description = %q", s.Description)
	}
	if s.Content != "Use imperative mood." {
		t.Errorf("content = %q", s.Content)
	}

	if _, ok := r.Get("REVIEW"); !ok {
		t.Error("nested skill not found case-insensitively")
	}
	if got := len(r.List()); got != 2 {
		t.Errorf("List returned %d skills", got)
	}
}

func TestLoadDirMissingIsFine(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
}

func TestLaterDirOverrides(t *testing.T) {
	user := t.TempDir()
	project := t.TempDir()
	writeSkill(t, user, "deploy.md", "user version")
	writeSkill(t, project, "deploy.md", "project version")

	r := NewRegistry()
	if err := r.LoadDir(user); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadDir(project); err != nil {
		t.Fatal(err)
	}

	s, _ := r.Get("deploy")
	if s.Content != "project version" {
		t.Errorf("content = %q, want project override", s.Content)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("List returned %d skills after override", got)
	}
}

func TestParseSkillWithoutFrontmatter(t *testing.T) {
	s := parseSkill("plain", "plain.md", "just a body")
	if s.Name != "plain" || s.Content != "just a body" || s.Description != "" {
		t.Errorf("parsed = %+v", s)
	}
}
