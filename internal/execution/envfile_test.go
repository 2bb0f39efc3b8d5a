package execution

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", `
# database settings
DB_HOST=localhost
DB_PORT = 5432
QUOTED="hello world"
SINGLE='single'
EMPTY=
=nokey
plainline
`)

	vars := ParseEnvFile(dir, ".env")

	want := map[string]string{
		"DB_HOST": "localhost",
		"DB_PORT": "5432",
		"QUOTED":  "hello world",
		"SINGLE":  "single",
		"EMPTY":   "",
	}
	if len(vars) != len(want) {
		t.Errorf("got %d vars, want %d: %v", len(vars), len(want), vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}
}

func TestParseEnvFileMissing(t *testing.T) {
	vars := ParseEnvFile(t.TempDir(), ".env")
	if len(vars) != 0 {
		t.Errorf("missing file should yield empty map, got %v", vars)
	}
}

func TestMergedEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env.development", "A=dev\nB=dev\nC=dev\n")
	writeFile(t, dir, ".env.production", "B=prod\nC=prod\n")
	writeFile(t, dir, ".env", "C=plain\n")

	merged := MergedEnv(dir)

	if merged["A"] != "dev" {
		t.Errorf("A = %q, want dev", merged["A"])
	}
	if merged["B"] != "prod" {
		t.Errorf("B = %q, want prod (production overrides development)", merged["B"])
	}
	if merged["C"] != "plain" {
		t.Errorf("C = %q, want plain (.env wins over both)", merged["C"])
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("env wins", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ".env", "PORT=4321\n")
		writeFile(t, dir, ".env.production", "PORT=9999\n")
		if got := ResolvePort(dir, LangNodeJS); got != 4321 {
			t.Errorf("port = %d, want 4321", got)
		}
	})

	t.Run("production fallback", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ".env.production", "PORT=9090\n")
		if got := ResolvePort(dir, LangNodeJS); got != 9090 {
			t.Errorf("port = %d, want 9090", got)
		}
	})

	t.Run("invalid values ignored", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ".env", "PORT=not-a-number\n")
		if got := ResolvePort(dir, LangPython); got != 5000 {
			t.Errorf("port = %d, want language default 5000", got)
		}
	})

	t.Run("language defaults", func(t *testing.T) {
		dir := t.TempDir()
		defaults := map[Language]int{
			LangNodeJS:    3000,
			LangPython:    5000,
			LangJava:      8080,
			LangHTMLCSSJS: 8080,
		}
		for lang, want := range defaults {
			if got := ResolvePort(dir, lang); got != want {
				t.Errorf("ResolvePort(%s) = %d, want %d", lang, got, want)
			}
		}
	})
}
