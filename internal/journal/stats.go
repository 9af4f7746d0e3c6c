package journal

// Stats 聚合了反应记录的状态统计，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Skipped         int   `json:"skipped"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(r *Record) {
	s.Total++
	switch r.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
	if r.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = r.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (r.UpdatedAt != 0 && r.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = r.UpdatedAt
	}
}
