package workflow

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/model"
)

// Logbook appends entries to an execution's log and mirrors each one to the
// process logger.
type Logbook struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewLogbook creates a Logbook that mirrors entries to logger.
func NewLogbook(logger *zap.Logger) *Logbook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logbook{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append adds one entry to exec.Logs. Callers pass the working copy handed
// to them by ExecutionStore.Update so the entry lands in the same mutation as
// the status change it describes.
func (l *Logbook) Append(exec *model.WorkflowExecution, level model.LogLevel, stepID, message string, data json.RawMessage) {
	exec.Logs = append(exec.Logs, model.LogEntry{
		StepID:    stepID,
		Timestamp: l.now(),
		Level:     level,
		Message:   message,
		Data:      data,
	})

	fields := []zap.Field{
		zap.String("execution_id", exec.ID),
		zap.String("step_id", stepID),
	}
	// Step failures are degraded operation, not infrastructure errors.
	if level == model.LogLevelError || level == model.LogLevelWarn {
		l.logger.Warn(message, fields...)
		return
	}
	l.logger.Info(message, fields...)
}
