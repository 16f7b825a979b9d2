package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgeline/director/internal/store/model"
	"go.uber.org/zap"
)

// Source is one rego module: a file from the policies directory or a stored rule version.
type Source struct {
	Name    string
	Content string
	// FromStore is true for rules loaded from enforcement_rules records.
	FromStore bool
}

// ReadDir reads every .rego file of dir, skipping rego test files. A missing or empty
// directory yields no sources.
func ReadDir(dir string) ([]Source, error) {
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			zap.S().Named("policy").Warnf("policies directory %s does not exist", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read policies directory: %w", err)
	}

	sources := []Source{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") ||
			strings.HasSuffix(entry.Name(), "_test.rego") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}

		sources = append(sources, Source{Name: entry.Name(), Content: string(content)})
		zap.S().Named("policy").Debugf("Read policy: %s", entry.Name())
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, nil
}

// FromRules turns enabled rule records into sources named after the rule and its version.
func FromRules(rules []model.EnforcementRule) []Source {
	sources := make([]Source, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		sources = append(sources, Source{
			Name:      fmt.Sprintf("%s@v%d", r.Name, r.Version),
			Content:   r.Rego,
			FromStore: true,
		})
	}
	return sources
}
