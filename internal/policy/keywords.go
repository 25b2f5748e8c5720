package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/policy/opa"
	lru "github.com/hashicorp/golang-lru/v2"
)

// KeywordCategory is one row of the keyword table.
type KeywordCategory struct {
	Name     string
	Keywords []string
}

// DefaultCategories is the built-in keyword table. Order matters: when
// keywords from several categories appear, the earliest category wins.
var DefaultCategories = []KeywordCategory{
	{Name: "Adult", Keywords: []string{"adult", "xxx", "porn", "sex", "nude", "naked", "explicit", "naughty"}},
	{Name: "Gambling", Keywords: []string{"poker", "casino", "bet", "gambling", "slots", "blackjack", "roulette"}},
	{Name: "Violence", Keywords: []string{"kill", "murder", "violence", "gore", "blood", "weapon", "gun"}},
	{Name: "Drugs", Keywords: []string{"cocaine", "heroin", "meth", "weed", "marijuana", "drugs", "dealer"}},
	{Name: "Hate", Keywords: []string{"hate", "racist", "racism", "bigot", "homophobe", "discrimination"}},
	{Name: "Malware", Keywords: []string{"malware", "virus", "phishing", "ransomware", "trojan", "spyware"}},
}

// KeywordClassifier finds the keyword category of already lowercased text.
type KeywordClassifier interface {
	Match(ctx context.Context, text string) (category string, ok bool, err error)
}

// KeywordTable scans text against an ordered category table. Substring
// semantics are intentional: "bet" also hits "alphabet".
type KeywordTable struct {
	categories []KeywordCategory
	cache      *lru.Cache[string, string]
}

// NewKeywordTable builds a table with an LRU memo of cacheSize entries. A
// cacheSize of zero or less disables the memo.
func NewKeywordTable(categories []KeywordCategory, cacheSize int) (*KeywordTable, error) {
	t := &KeywordTable{categories: lowerCategories(categories)}
	if cacheSize > 0 {
		cache, err := lru.New[string, string](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create keyword cache: %w", err)
		}
		t.cache = cache
	}
	return t, nil
}

// Match returns the first category with a keyword inside text.
func (t *KeywordTable) Match(_ context.Context, text string) (string, bool, error) {
	if t.cache != nil {
		if category, ok := t.cache.Get(text); ok {
			metrics.KeywordCacheHits.Inc()
			return category, category != "", nil
		}
		metrics.KeywordCacheMisses.Inc()
	}

	category := t.scan(text)
	if t.cache != nil {
		t.cache.Add(text, category)
	}
	return category, category != "", nil
}

func (t *KeywordTable) scan(text string) string {
	for _, cat := range t.categories {
		for _, kw := range cat.Keywords {
			if kw != "" && strings.Contains(text, kw) {
				return cat.Name
			}
		}
	}
	return ""
}

// RegoKeywords delegates keyword matching to a rego policy.
type RegoKeywords struct {
	engine     *opa.Engine
	categories []opa.Category
}

// NewRegoKeywords adapts an OPA engine to KeywordClassifier.
func NewRegoKeywords(engine *opa.Engine, categories []KeywordCategory) *RegoKeywords {
	cats := lowerCategories(categories)
	input := make([]opa.Category, 0, len(cats))
	for _, c := range cats {
		input = append(input, opa.Category{Name: c.Name, Keywords: c.Keywords})
	}
	return &RegoKeywords{engine: engine, categories: input}
}

// Match evaluates the classify policy.
func (r *RegoKeywords) Match(ctx context.Context, text string) (string, bool, error) {
	return r.engine.Classify(ctx, text, r.categories)
}

func lowerCategories(categories []KeywordCategory) []KeywordCategory {
	out := make([]KeywordCategory, 0, len(categories))
	for _, c := range categories {
		keywords := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			keywords = append(keywords, strings.ToLower(kw))
		}
		out = append(out, KeywordCategory{Name: c.Name, Keywords: keywords})
	}
	return out
}
