package policy

import (
	"context"
	"testing"

	"github.com/goodtune/kguard/internal/policy/opa"
	"github.com/rs/zerolog"
)

func TestKeywordTableMatch(t *testing.T) {
	table, err := NewKeywordTable(DefaultCategories, 16)
	if err != nil {
		t.Fatalf("new keyword table: %v", err)
	}

	tests := []struct {
		text string
		want string
	}{
		{"https://casino.example/ casino.example", "Gambling"},
		{"https://example.com/sex-and-poker example.com", "Adult"},
		{"https://gun-shop.example/ gun-shop.example", "Violence"},
		{"https://example.com/?q=phishing example.com", "Malware"},
		// Substring semantics produce false positives on purpose.
		{"https://alphabet.example/ alphabet.example", "Gambling"},
		{"https://school.example/ school.example", ""},
	}

	for _, tt := range tests {
		// Twice: the second call comes from the memo.
		for i := 0; i < 2; i++ {
			got, ok, err := table.Match(context.Background(), tt.text)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if got != tt.want || ok != (tt.want != "") {
				t.Errorf("Match(%q) = %q %v, want %q", tt.text, got, ok, tt.want)
			}
		}
	}
}

func TestKeywordTableWithoutCache(t *testing.T) {
	table, err := NewKeywordTable([]KeywordCategory{{Name: "Custom", Keywords: []string{"FOO"}}}, 0)
	if err != nil {
		t.Fatalf("new keyword table: %v", err)
	}
	got, ok, _ := table.Match(context.Background(), "a foo b")
	if !ok || got != "Custom" {
		t.Fatalf("expected keywords to be lowercased, got %q %v", got, ok)
	}
}

func TestRegoKeywordsAgreesWithTable(t *testing.T) {
	engine, err := opa.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("new opa engine: %v", err)
	}
	rego := NewRegoKeywords(engine, DefaultCategories)
	table, _ := NewKeywordTable(DefaultCategories, 0)

	texts := []string{
		"https://casino.example/ casino.example",
		"https://example.com/sex-and-poker example.com",
		"https://hate-blood.example/ hate-blood.example",
		"https://school.example/ school.example",
	}
	for _, text := range texts {
		want, wantOK, _ := table.Match(context.Background(), text)
		got, ok, err := rego.Match(context.Background(), text)
		if err != nil {
			t.Fatalf("rego match: %v", err)
		}
		if got != want || ok != wantOK {
			t.Errorf("rego Match(%q) = %q %v, table = %q %v", text, got, ok, want, wantOK)
		}
	}
}
