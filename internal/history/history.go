// Package history mirrors event log records into external systems for
// analytics. Sinks are best effort: the event log file stays authoritative.
package history

import (
	"context"

	"github.com/loykin/routerctl/internal/eventlog"
)

// Sink is a destination for events. Implementations must be safe for
// concurrent use. Every Sink satisfies eventlog.Mirror.
type Sink interface {
	Send(ctx context.Context, e eventlog.Event) error
	Close() error
}

// Columns is the column order shared by the SQL sinks.
var Columns = []string{"timestamp", "event", "service", "profile", "provider", "result", "detail"}

// Row flattens e in Columns order. Timestamps are UTC.
func Row(e eventlog.Event) []any {
	return []any{e.Timestamp.UTC(), e.Event, e.Service, e.Profile, e.Provider, e.Result, e.Detail}
}
