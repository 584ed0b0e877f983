// Package logging provides structured logging using uber/zap.
//
// Production builds log JSON; development builds log colored console lines.
// Every subsystem gets a named child logger so lifecycle records can be
// filtered by component:
//
//	logger, _ := logging.New(logging.DefaultConfig())
//	kernelLog := logger.Component("kernel")
//	kernelLog.Info("process started", zap.Int32("install_id", -3))
//
// The level is shared by all components and can be changed at runtime
// through the /loglevel endpoint.
package logging
