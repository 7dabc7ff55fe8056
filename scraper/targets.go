package scraper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

// BuildTargets turns book names into targets under outputDir. Blank and repeated
// names are dropped; ids maps a name to a known book id.
func BuildTargets(names []string, ids map[string]string, outputDir string) []models.Target {
	seen := make(map[string]bool, len(names))
	targets := make([]models.Target, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		targets = append(targets, models.Target{
			Name:   name,
			BookID: ids[name],
			Dir:    filepath.Join(outputDir, name),
		})
	}
	return targets
}

// ParseBookIDs parses "name=id" pairs.
func ParseBookIDs(pairs []string) (map[string]string, error) {
	ids := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, id, ok := strings.Cut(pair, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			return nil, fmt.Errorf("invalid book id %q, want name=id", pair)
		}
		ids[name] = id
	}
	return ids, nil
}

// TargetsFromDir returns one target per sub-directory of base, sorted by name.
// Each target reuses its existing directory, so a sweep only appends new records.
func TargetsFromDir(base string) ([]models.Target, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", base, err)
	}
	var targets []models.Target
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		targets = append(targets, models.Target{
			Name: entry.Name(),
			Dir:  filepath.Join(base, entry.Name()),
		})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, nil
}
