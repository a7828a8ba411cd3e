package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/routerctl/internal/eventlog"
)

func TestRowMatchesColumns(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	row := Row(eventlog.Event{
		Timestamp: ts, Event: eventlog.ProfileActivate, Profile: "cost",
		Provider: "anthropic", Result: eventlog.ResultFailed, Detail: "empty",
	})
	assert.Len(t, row, len(Columns))
	assert.Equal(t, ts.UTC(), row[0])
	assert.Equal(t, []any{"profile_activate", "", "cost", "anthropic", "failed", "empty"}, row[1:])
}
