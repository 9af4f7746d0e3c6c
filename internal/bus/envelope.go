package bus

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/registry"

	"github.com/google/uuid"
)

const (
	// CodeEncodeFailure 表示信封无法编码或解码。
	CodeEncodeFailure xerrors.Code = "BUS_ENCODE_FAILURE"
	// CodeBusFailure 表示总线后端不可用。
	CodeBusFailure xerrors.Code = "BUS_FAILURE"
)

func init() {
	xerrors.Register(CodeBusFailure, xerrors.Attributes{
		Message:   "event bus unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeEncodeFailure, xerrors.Attributes{
		Message:  "envelope encoding failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Envelope 携带一次任务输出及其要派发的动作。
type Envelope struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Kind      string            `json:"kind"`
	Action    string            `json:"action"`
	Seq       uint64            `json:"seq"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  registry.Metadata `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEnvelope 编码 payload 并生成信封 ID。
func NewEnvelope(taskID, kind, action string, payload any, md registry.Metadata) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, xerrors.Wrap(CodeEncodeFailure, err, fmt.Sprintf("编码任务 %s 的输出失败", taskID))
	}
	return Envelope{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Kind:      kind,
		Action:    action,
		Payload:   raw,
		Metadata:  md,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode 将 payload 解码到 v。
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return xerrors.Wrap(CodeEncodeFailure, err, fmt.Sprintf("解码信封 %s 失败", e.ID))
	}
	return nil
}

// Marshal 将信封编码为传输格式。
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncodeFailure, err, "编码信封失败")
	}
	return data, nil
}

// Unmarshal 从传输格式解码信封。
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, xerrors.Wrap(CodeEncodeFailure, err, "解码信封失败")
	}
	return e, nil
}
