// Package crash records abnormal process terminations.
//
// Reports are kept in a bounded in-memory list and, when a directory is
// configured, written as zstd-compressed JSON (sonic) named by crash id.
// On startup the newest reports are loaded back.
//
// Example Usage:
//
//	store, err := crash.NewStore(cfg.Crash.ReportDir, cfg.Crash.MaxReports, logger)
//	report, err := store.Record(crash.Report{InstallID: id, Cause: crash.CauseCrashed})
//	latest := store.Recent(10)
package crash
