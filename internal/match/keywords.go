package match

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultKeywords returns the built-in dismissal phrase set. The configured
// set is never empty; this list seeds it when nothing else is provided.
func DefaultKeywords() []string {
	return []string{
		"wake up",
		"get up",
		"i'm awake",
		"stop alarm",
		"turn off",
		"dismiss",
		"good morning",
		"let's go",
		"ready",
	}
}

// NormalizePhrases trims and lower-cases each phrase, collapses inner
// whitespace, and drops empty entries. Order and duplicates are preserved.
func NormalizePhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		normalized := normalizeText(phrase)
		if normalized == "" {
			continue
		}
		out = append(out, normalized)
	}
	return out
}

// LoadPhrasesFile reads one dismissal phrase per line from path. Blank lines
// and lines starting with # are skipped. A missing file is not an error and
// yields no phrases.
func LoadPhrasesFile(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read phrases file %q: %w", path, err)
	}

	var phrases []string
	for _, raw := range strings.Split(string(contents), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		phrases = append(phrases, line)
	}
	return phrases, nil
}
