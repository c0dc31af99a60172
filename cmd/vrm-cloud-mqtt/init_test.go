package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// withZeroUmask makes permission assertions deterministic for the
// duration of a test.
func withZeroUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_WritesExampleConfig(t *testing.T) {
	withZeroUmask(t)
	dir := t.TempDir()

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	st, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("stat config.yaml: %v", err)
	}
	// The config holds the VRM password once filled in.
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Errorf("config.yaml mode = %o, want 0600", perm)
	}

	content, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, section := range []string{"vrm:", "mqtt:", "poll_interval_sec"} {
		if !strings.Contains(string(content), section) {
			t.Errorf("bundled example missing %q", section)
		}
	}

	if !strings.Contains(out.String(), "config.yaml") {
		t.Errorf("output does not mention config.yaml: %q", out.String())
	}
}

func TestRunInit_CreatesNestedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "var", "lib", "vrm-bridge")

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml missing from new directory: %v", err)
	}
}

func TestRunInit_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()

	operatorEdit := []byte("vrm:\n  username: me@example.net\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), operatorEdit, 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit over existing config: %v", err)
	}
	if !strings.Contains(out.String(), "skipping") {
		t.Errorf("output does not note the skip: %q", out.String())
	}

	after, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after, operatorEdit) {
		t.Error("operator's config.yaml was clobbered")
	}
}

func TestWriteIfMissing_SurfacesCreateFailure(t *testing.T) {
	// A file standing where a parent directory is needed yields a
	// non-ErrExist failure from OpenFile.
	dir := t.TempDir()
	inTheWay := filepath.Join(dir, "blocker")
	if err := os.WriteFile(inTheWay, []byte("flat file"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := writeIfMissing(&out, filepath.Join(inTheWay, "config.yaml"), []byte("x"), 0o600)
	if err == nil {
		t.Fatal("want an error when the path cannot be created")
	}
	if !strings.Contains(err.Error(), "create") {
		t.Errorf("err = %q, want mention of create", err)
	}
}
