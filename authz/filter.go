package authz

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// SyncFilter decides whether a catalog object participates in
// authorization sync. Events for excluded objects only advance the
// watermark.
type SyncFilter interface {
	// Match returns true if the object should be synchronized
	Match(database, table string) bool
}

// GlobFilter filters catalog objects using glob patterns
type GlobFilter struct {
	databaseGlobs []glob.Glob
	tableGlobs    []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything. Matching is case-insensitive, the same
// way the catalog treats object names.
func NewGlobFilter(dbPatterns, tablePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		databaseGlobs: make([]glob.Glob, 0, len(dbPatterns)),
		tableGlobs:    make([]glob.Glob, 0, len(tablePatterns)),
	}

	for _, pattern := range dbPatterns {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid database pattern %q: %w", pattern, err)
		}
		filter.databaseGlobs = append(filter.databaseGlobs, g)
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	return filter, nil
}

// Match returns true if the database and table match the configured
// patterns. Database-scoped events pass an empty table, which only the
// database patterns apply to.
func (f *GlobFilter) Match(database, table string) bool {
	database = strings.ToLower(database)
	table = strings.ToLower(table)

	dbMatch := len(f.databaseGlobs) == 0
	if !dbMatch {
		for _, g := range f.databaseGlobs {
			if g.Match(database) {
				dbMatch = true
				break
			}
		}
	}

	if !dbMatch {
		return false
	}

	if table == "" {
		return true
	}

	tableMatch := len(f.tableGlobs) == 0
	if !tableMatch {
		for _, g := range f.tableGlobs {
			if g.Match(table) {
				tableMatch = true
				break
			}
		}
	}

	return tableMatch
}
