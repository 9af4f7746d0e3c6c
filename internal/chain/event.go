package chain

import "encoding/json"

// Event 是一条已观测到的链上事件，观测后不可变。
//
// Args 由 Docs 与 Raw 推导得出；参数名数量与 Raw 长度不一致时 Args 为空，
// 调用方需回退到位置访问。
type Event struct {
	Name     string           `json:"name"`
	Args     map[string]Value `json:"-"`
	Raw      []Value          `json:"raw"`
	Docs     []string         `json:"docs,omitempty"`
	Block    uint64           `json:"block,omitempty"`
	TxHash   string           `json:"tx_hash,omitempty"`
	LogIndex uint             `json:"log_index,omitempty"`
}

// NewEvent 根据文档推导具名参数。
func NewEvent(name string, docs []string, raw []Value) Event {
	ev := Event{
		Name: name,
		Raw:  append([]Value(nil), raw...),
		Docs: append([]string(nil), docs...),
	}
	ev.Args = deriveArgs(ev.Docs, ev.Raw)
	return ev
}

func deriveArgs(docs []string, raw []Value) map[string]Value {
	args := make(map[string]Value)
	names := EventParams(docs)
	if len(names) == 0 || len(names) != len(raw) {
		return args
	}
	for i, name := range names {
		if name == "" {
			continue
		}
		args[name] = raw[i]
	}
	return args
}

// Arg 先按名称查找参数，找不到时按位置回退。
func (e Event) Arg(name string, position int) (Value, bool) {
	if v, ok := e.Args[name]; ok {
		return v, true
	}
	if position >= 0 && position < len(e.Raw) {
		return e.Raw[position], true
	}
	return Value{}, false
}

// UnmarshalJSON 在解码后重新推导 Args。
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = Event(decoded)
	e.Args = deriveArgs(e.Docs, e.Raw)
	return nil
}
