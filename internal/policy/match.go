package policy

import (
	"strings"

	"github.com/goodtune/kguard/internal/storage"
)

// NormalizePattern lowercases a rule or list pattern and strips a leading
// "www.".
func NormalizePattern(pattern string) string {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	return strings.TrimPrefix(pattern, "www.")
}

// Matches reports whether domain equals pattern or is a subdomain of it.
// Matching is on dot boundaries only: example.com covers a.example.com but
// not notexample.com.
func Matches(domain, pattern string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	pattern = NormalizePattern(pattern)
	if domain == "" || pattern == "" {
		return false
	}
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}

// ListContains returns the first entry whose domain matches.
func ListContains(domain string, entries []storage.ListEntry) (storage.ListEntry, bool) {
	for _, entry := range entries {
		if Matches(domain, entry.Domain) {
			return entry, true
		}
	}
	return storage.ListEntry{}, false
}

// FindRule returns the first rule whose pattern matches. Rule order is the
// order the backend returned them in.
func FindRule(domain string, rules []storage.DomainRule) (storage.DomainRule, bool) {
	for _, rule := range rules {
		if Matches(domain, rule.Domain) {
			return rule, true
		}
	}
	return storage.DomainRule{}, false
}
