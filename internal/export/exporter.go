// Package export renders conversation logs and session snapshots as flat
// CSV tables for research analysis.
package export

import (
	"context"
	"io"
	"sort"

	"github.com/ashureev/cps-scaffold/internal/store"
)

// Source streams the rows an Exporter renders. An empty ownerID means every
// owner.
type Source interface {
	ExportConversations(ctx context.Context, ownerID string, fn func(store.ConversationRow) error) error
	ExportSnapshots(ctx context.Context, ownerID string, fn func(store.SnapshotRow) error) error
}

// Exporter writes one table to w.
type Exporter interface {
	Export(ctx context.Context, w io.Writer, src Source, ownerID string) error
	// Filename is the suggested attachment name.
	Filename() string
}

// registry maps table names to Exporter implementations.
var registry = map[string]Exporter{
	"conversations": &ConversationsCSV{},
	"metrics":       &MetricsCSV{},
}

// Get returns the Exporter registered under name, and whether it was found.
func Get(name string) (Exporter, bool) {
	e, ok := registry[name]
	return e, ok
}

// Tables returns the supported table names in sorted order.
func Tables() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
