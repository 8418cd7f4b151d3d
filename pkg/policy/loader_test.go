package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const ownerRego = `# Services must carry an owner label.
# severity: error
package custom.owner

import rego.v1

deny contains msg if {
	input.kind == "basic"
	not input.instance.labels.owner
	msg := "missing owner"
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "owner-label.rego")
	writeFile(t, policyFile, ownerRego)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "owner-label" {
		t.Errorf("Expected name 'owner-label', got '%s'", policy.Name)
	}
	if policy.Description != "Services must carry an owner label." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if policy.Rego != ownerRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_RegoDefaultSeverity(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "plain.rego")
	writeFile(t, policyFile, "package plain\n")

	policy, err := NewLoader(zerolog.Nop()).loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policy.Severity)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "test-policy.json")

	data, err := json.Marshal(Policy{
		Name:    "test-json-policy",
		Rego:    "package test\n\nimport rego.v1\n\ndeny contains \"x\" if { false }",
		Enabled: true,
		Tags:    []string{"test"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, policyFile, string(data))

	loaded, err := NewLoader(zerolog.Nop()).loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "test-json-policy" {
		t.Errorf("Expected name 'test-json-policy', got '%s'", loaded.Name)
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", loaded.Severity)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "invalid json", file: "bad.json", content: "{"},
		{name: "json without name", file: "anon.json", content: `{"rego": "package x"}`},
		{name: "unsupported extension", file: "policy.txt", content: "package x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), "package a\n")
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	single := filepath.Join(t.TempDir(), "c.rego")
	writeFile(t, single, "package c\n")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Errorf("Expected policies a, b, c, got %v", names)
	}

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestLoadFromPaths_BadFileFailsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.rego"), "package ok\n")
	writeFile(t, filepath.Join(dir, "bad.json"), "{")

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("Expected a broken policy file to fail the directory")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owner-label.rego"), ownerRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	policy, err := eng.GetPolicy("owner-label")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}

	err = eng.Check(context.Background(), registryOf(t, basic("web")))
	if err == nil {
		t.Error("Expected the loaded policy to deny an unlabelled service")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), "package a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 1)
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		select {
		case reloaded <- policies:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.rego"), "package b\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
