package migrations

import _ "embed"

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed 0001_autorevert_events.sql
var events string

//go:embed 0002_autorevert_state.sql
var runState string

// All lists migrations in application order.
var All = []Migration{
	{ID: "0001_autorevert_events", Script: events},
	{ID: "0002_autorevert_state", Script: runState},
}
