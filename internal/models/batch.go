package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchMeta travels with a DataBatch from producer to consumer. Params are
// the originating task's, so a batch that dead-letters on flush can be
// replayed over its original date range.
type BatchMeta struct {
	TaskType      TaskType
	StatementType StatementType
	Params        TaskParams
	Reason        string // "no_data" for legitimately empty results
	WorkerID      int
	ProcessedAt   time.Time
}

// DataBatch is the handoff unit between the producer and consumer pools:
// one fetch result, routed by (task type, symbol).
type DataBatch struct {
	BatchID   string
	TaskID    string
	Symbol    string
	Frame     *Frame
	Meta      BatchMeta
	CreatedAt time.Time
}

// NewDataBatch wraps a fetch result. A nil frame is normalized to empty.
func NewDataBatch(frame *Frame, meta BatchMeta, taskID, symbol string) DataBatch {
	if frame == nil {
		frame = EmptyFrame()
	}
	if meta.ProcessedAt.IsZero() {
		meta.ProcessedAt = time.Now().UTC()
	}
	return DataBatch{
		BatchID:   uuid.NewString(),
		TaskID:    taskID,
		Symbol:    symbol,
		Frame:     frame,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
}

// EmptyBatch records a "no data in range" outcome so the consumer can still
// account for the task.
func EmptyBatch(taskID, symbol string, meta BatchMeta) DataBatch {
	meta.Reason = "no_data"
	return NewDataBatch(EmptyFrame(), meta, taskID, symbol)
}

func (b DataBatch) Size() int {
	return b.Frame.Len()
}

func (b DataBatch) IsEmpty() bool {
	return b.Frame.IsEmpty()
}

// DataType is the consumer accumulation key component derived from the meta.
func (b DataBatch) DataType() string {
	if b.Meta.TaskType == TaskFinancials && b.Meta.StatementType != "" {
		return string(b.Meta.TaskType) + "_" + string(b.Meta.StatementType)
	}
	return string(b.Meta.TaskType)
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
