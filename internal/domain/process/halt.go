package process

import "go.uber.org/zap"

// Halter stops the system on an unrecoverable condition. Implementations
// must not return normally.
type Halter func(reason string, fields ...zap.Field)

// LogHalter halts through zap's Fatal level, which exits the process
func LogHalter(logger *zap.Logger) Halter {
	return func(reason string, fields ...zap.Field) {
		logger.Fatal(reason, fields...)
	}
}

// HaltError is the panic value used by PanicHalter
type HaltError struct {
	Reason string
}

func (e *HaltError) Error() string { return "halt: " + e.Reason }

// PanicHalter halts by panicking with *HaltError, letting the daemon's
// supervisor or a test observe the halt.
func PanicHalter(logger *zap.Logger) Halter {
	return func(reason string, fields ...zap.Field) {
		logger.Error("system halted", append(fields, zap.String("reason", reason))...)
		panic(&HaltError{Reason: reason})
	}
}
