package journal

import (
	xerrors "OpenGuardian/internal/errors"
)

// Status 表示反应条目在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// IsValidStatus 判断状态是否合法。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusSkipped || s == StatusFailed
}

// Record 是一个反应条目的审计记录。拍卖本身不落库，只记录守护者对它做了什么。
type Record struct {
	ID        string         `json:"id"`
	Guardian  string         `json:"guardian"`
	Channel   string         `json:"channel"`
	Subject   string         `json:"subject,omitempty"`
	Seq       uint64         `json:"seq"`
	Status    Status         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// Outcome 描述条目处理结束时写入的结果。
type Outcome struct {
	Status    Status
	Attempts  int
	LastError string
	ErrorCode string
	TxHash    string
	Detail    map[string]any
}

const (
	CodeRecordNotFound xerrors.Code = "JOURNAL_RECORD_NOT_FOUND"
	CodeRecordConflict xerrors.Code = "JOURNAL_RECORD_CONFLICT"
)

var (
	// ErrRecordNotFound 表示指定的记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "journal record not found")
	// ErrRecordConflict 表示记录 ID 已存在。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "journal record conflict")
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "journal record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:  "journal record conflict",
		Severity: xerrors.SeverityWarning,
	})
}

func cloneDetail(detail map[string]any) map[string]any {
	if len(detail) == 0 {
		return nil
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		out[k] = v
	}
	return out
}

func cloneRecord(r *Record) *Record {
	clone := *r
	clone.Detail = cloneDetail(r.Detail)
	return &clone
}
