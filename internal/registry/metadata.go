package registry

import (
	"fmt"
	"strconv"
	"time"
)

// Metadata 随每次派发传给动作，由事件来源提供，派发期间不可变。
type Metadata struct {
	Network      string         `json:"network"`
	NodeEndpoint []string       `json:"node_endpoint,omitempty"`
	Action       map[string]any `json:"action,omitempty"`
}

// Clone 返回深度足以隔离修改的副本。
func (m Metadata) Clone() Metadata {
	out := Metadata{Network: m.Network}
	if len(m.NodeEndpoint) > 0 {
		out.NodeEndpoint = append([]string(nil), m.NodeEndpoint...)
	}
	if len(m.Action) > 0 {
		out.Action = make(map[string]any, len(m.Action))
		for k, v := range m.Action {
			out.Action[k] = v
		}
	}
	return out
}

// Method 返回动作配置中的 method 字段。
func (m Metadata) Method() string {
	s, _ := m.String("method")
	return s
}

// String 读取字符串配置项。
func (m Metadata) String(key string) (string, bool) {
	v, ok := m.Action[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// Float 读取数值配置项，字符串形式的数字也被接受。
func (m Metadata) Float(key string) (float64, bool) {
	v, ok := m.Action[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Duration 读取时长配置项，支持 "5s" 形式的字符串或毫秒数。
func (m Metadata) Duration(key string) (time.Duration, bool) {
	v, ok := m.Action[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case time.Duration:
		return t, true
	case string:
		d, err := time.ParseDuration(t)
		return d, err == nil
	case int:
		return time.Duration(t) * time.Millisecond, true
	case float64:
		return time.Duration(t) * time.Millisecond, true
	default:
		return 0, false
	}
}

// Bool 读取布尔配置项。
func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m.Action[key]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	default:
		return false, false
	}
}
