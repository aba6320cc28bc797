package step

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/model"
)

// Data operations understood by every DataMover.
const (
	DataOpCopy  = "copy"
	DataOpMove  = "move"
	DataOpCount = "count"
)

// DataOperation is one data step request.
type DataOperation struct {
	Operation string `mapstructure:"operation"`
	Source    string `mapstructure:"source"`
	Target    string `mapstructure:"target"`
}

// Validate checks that the operation is known and names the tables it needs.
func (op DataOperation) Validate() error {
	switch op.Operation {
	case DataOpCount:
	case DataOpCopy, DataOpMove:
		if op.Target == "" {
			return fmt.Errorf("data %s requires a target", op.Operation)
		}
	case "":
		return errors.New("data step requires an operation")
	default:
		return fmt.Errorf("unsupported data operation %q (copy, move, count)", op.Operation)
	}
	if op.Source == "" {
		return fmt.Errorf("data %s requires a source", op.Operation)
	}
	if op.Operation != DataOpCount && sameTable(op.Source, op.Target) {
		return fmt.Errorf("data %s source and target are the same table %q", op.Operation, op.Source)
	}
	return nil
}

// sameTable reports whether two table names refer to the same table. An
// unqualified name lives in the public schema.
func sameTable(a, b string) bool {
	return slices.Equal(tableParts(a), tableParts(b))
}

func tableParts(name string) []string {
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		return []string{"public", parts[0]}
	}
	return parts
}

// DataMover performs data operations against a backing store and reports the
// number of records affected.
type DataMover interface {
	Apply(ctx context.Context, op DataOperation) (int64, error)
}

// DataResult is the result of a data step.
type DataResult struct {
	Processed       bool   `json:"processed"`
	RecordsAffected int64  `json:"recordsAffected"`
	Operation       string `json:"operation"`
	Source          string `json:"source"`
	Target          string `json:"target,omitempty"`
}

// DataHandler runs data steps through a DataMover.
type DataHandler struct {
	mover  DataMover
	logger *zap.Logger
}

// NewDataHandler creates a data step handler.
func NewDataHandler(mover DataMover, logger *zap.Logger) *DataHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataHandler{mover: mover, logger: logger}
}

// Type implements Handler.
func (h *DataHandler) Type() model.StepType { return model.StepTypeData }

// Execute implements Handler.
func (h *DataHandler) Execute(ctx context.Context, executionID string, s model.WorkflowStep) (any, error) {
	var op DataOperation
	if err := decodeConfig(s, &op); err != nil {
		return nil, err
	}
	op.Operation = strings.ToLower(op.Operation)
	if err := op.Validate(); err != nil {
		return nil, err
	}

	n, err := h.mover.Apply(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("data %s %s: %w", op.Operation, op.Source, err)
	}

	h.logger.Debug("data operation applied",
		zap.String("execution_id", executionID),
		zap.String("step_id", s.ID),
		zap.String("operation", op.Operation),
		zap.Int64("records", n),
	)
	return DataResult{
		Processed:       true,
		RecordsAffected: n,
		Operation:       op.Operation,
		Source:          op.Source,
		Target:          op.Target,
	}, nil
}

// --- MemoryDataMover ---

// MemoryDataMover keeps named tables of records in memory. Suitable for
// testing and single-instance deployments without a database.
type MemoryDataMover struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

// NewMemoryDataMover creates an empty in-memory data mover.
func NewMemoryDataMover() *MemoryDataMover {
	return &MemoryDataMover{tables: make(map[string][]map[string]any)}
}

// Seed replaces the records of table.
func (m *MemoryDataMover) Seed(table string, records ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append([]map[string]any(nil), records...)
}

// Len returns the number of records in table.
func (m *MemoryDataMover) Len(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Apply implements DataMover. Unknown source tables are an error.
func (m *MemoryDataMover) Apply(_ context.Context, op DataOperation) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.tables[op.Source]
	if !ok {
		return 0, fmt.Errorf("table %q does not exist", op.Source)
	}

	switch op.Operation {
	case DataOpCount:
		return int64(len(src)), nil
	case DataOpCopy:
		m.tables[op.Target] = append(m.tables[op.Target], src...)
		return int64(len(src)), nil
	case DataOpMove:
		m.tables[op.Target] = append(m.tables[op.Target], src...)
		m.tables[op.Source] = []map[string]any{}
		return int64(len(src)), nil
	default:
		return 0, fmt.Errorf("unsupported data operation %q", op.Operation)
	}
}
