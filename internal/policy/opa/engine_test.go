package opa

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

var testCategories = []Category{
	{Name: "Adult", Keywords: []string{"xxx", "porn"}},
	{Name: "Gambling", Keywords: []string{"casino", "poker"}},
}

func TestEmbeddedPolicy(t *testing.T) {
	engine, err := NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	tests := []struct {
		text   string
		want   string
		wantOK bool
	}{
		{text: "https://casino.example/ casino.example", want: "Gambling", wantOK: true},
		{text: "https://xxx-poker.example/ xxx-poker.example", want: "Adult", wantOK: true},
		{text: "https://school.example/ school.example", wantOK: false},
	}

	for _, tt := range tests {
		got, ok, err := engine.Classify(context.Background(), tt.text, testCategories)
		if err != nil {
			t.Fatalf("Classify(%q) failed: %v", tt.text, err)
		}
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Classify(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestPolicyDirOverride(t *testing.T) {
	dir := t.TempDir()
	policy := `package kguard.classify

import rego.v1

category := "Everything" if input.text != ""
`
	if err := os.WriteFile(filepath.Join(dir, "custom.rego"), []byte(policy), 0600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	got, ok, err := engine.Classify(context.Background(), "anything", testCategories)
	if err != nil || !ok || got != "Everything" {
		t.Fatalf("expected override policy result, got %q %v %v", got, ok, err)
	}
}

func TestInvalidPolicyDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package ("), 0600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := NewEngine(dir, zerolog.Nop()); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestReloadThreadSafety tests that reload is safe with concurrent evaluations
func TestReloadThreadSafety(t *testing.T) {
	engine, err := NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, _, err := engine.Classify(ctx, "poker night", testCategories); err != nil {
					t.Errorf("Classify failed: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		if err := engine.Reload(); err != nil {
			t.Errorf("Reload failed: %v", err)
		}
	}

	wg.Wait()
}
