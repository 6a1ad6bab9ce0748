package metrics

import "expvar"

var (
	UpdateRuns     = expvar.NewInt("oracle_update_runs")
	UpdateSkips    = expvar.NewInt("oracle_update_skips")
	UpdateErrors   = expvar.NewInt("oracle_update_errors")
	WorkableChecks = expvar.NewInt("oracle_workable_checks")
	SnapshotSaves  = expvar.NewInt("snapshot_saves")
	SnapshotLoads  = expvar.NewInt("snapshot_loads")
)
