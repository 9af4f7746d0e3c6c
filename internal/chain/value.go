package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	xerrors "OpenGuardian/internal/errors"
)

// Kind 标识链上值的编码类别。
type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindNumeric
	KindString
	KindList
	KindStruct
)

var kindNames = map[Kind]string{
	KindNone:    "none",
	KindBool:    "bool",
	KindNumeric: "numeric",
	KindString:  "string",
	KindList:    "list",
	KindStruct:  "struct",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Field 是结构体值中的一个具名字段，保留声明顺序。
type Field struct {
	Name  string
	Value Value
}

// Value 是链上参数与查询结果的封闭联合类型。零值为 None。
type Value struct {
	kind   Kind
	flag   bool
	num    *big.Int
	text   string
	items  []Value
	fields []Field
}

// None 表示缺失的值（例如 Option 为空）。
func None() Value { return Value{} }

// Bool 构造布尔值。
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// Numeric 构造整数值，入参会被复制。
func Numeric(n *big.Int) Value {
	if n == nil {
		return None()
	}
	return Value{kind: KindNumeric, num: new(big.Int).Set(n)}
}

// Int64 是 Numeric 的便捷形式。
func Int64(n int64) Value { return Value{kind: KindNumeric, num: big.NewInt(n)} }

// String 构造字符串值，地址与字节串以 0x 十六进制表示。
func String(s string) Value { return Value{kind: KindString, text: s} }

// List 构造列表值。
func List(items ...Value) Value {
	return Value{kind: KindList, items: append([]Value(nil), items...)}
}

// Struct 构造结构体值。
func Struct(fields ...Field) Value {
	return Value{kind: KindStruct, fields: append([]Field(nil), fields...)}
}

// Kind 返回值的类别。
func (v Value) Kind() Kind { return v.kind }

// IsNone 判断值是否缺失。
func (v Value) IsNone() bool { return v.kind == KindNone }

// BigInt 解码整数值。字符串形式的十进制或 0x 十六进制也被接受。
func (v Value) BigInt() (*big.Int, error) {
	switch v.kind {
	case KindNumeric:
		return new(big.Int).Set(v.num), nil
	case KindString:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v.text), 0)
		if !ok {
			return nil, xerrors.New(CodeDecodeFailure, fmt.Sprintf("无法将 %q 解码为整数", v.text))
		}
		return n, nil
	case KindBool:
		if v.flag {
			return big.NewInt(1), nil
		}
		return big.NewInt(0), nil
	default:
		return nil, xerrors.New(CodeDecodeFailure, fmt.Sprintf("%s 类型无法解码为整数", v.kind))
	}
}

// Text 返回值的文本形式。结构体与列表不支持。
func (v Value) Text() (string, error) {
	switch v.kind {
	case KindString:
		return v.text, nil
	case KindNumeric:
		return v.num.String(), nil
	case KindBool:
		if v.flag {
			return "true", nil
		}
		return "false", nil
	default:
		return "", xerrors.New(CodeDecodeFailure, fmt.Sprintf("%s 类型无法解码为文本", v.kind))
	}
}

// Truth 解码布尔值。
func (v Value) Truth() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.flag, nil
	case KindNumeric:
		return v.num.Sign() != 0, nil
	default:
		return false, xerrors.New(CodeDecodeFailure, fmt.Sprintf("%s 类型无法解码为布尔值", v.kind))
	}
}

// Len 返回列表或结构体的元素数量。
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.items)
	case KindStruct:
		return len(v.fields)
	default:
		return 0
	}
}

// Index 按位置访问列表元素或结构体字段。
func (v Value) Index(i int) (Value, bool) {
	switch v.kind {
	case KindList:
		if i >= 0 && i < len(v.items) {
			return v.items[i], true
		}
	case KindStruct:
		if i >= 0 && i < len(v.fields) {
			return v.fields[i].Value, true
		}
	}
	return Value{}, false
}

// Field 按名称访问结构体字段。
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindStruct {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Fields 返回结构体字段的副本。
func (v Value) Fields() []Field {
	if v.kind != KindStruct {
		return nil
	}
	return append([]Field(nil), v.fields...)
}

// Items 返回列表元素的副本。
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.items...)
}

// Equal 比较两个值是否相同。
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindBool:
		return v.flag == o.flag
	case KindNumeric:
		return v.num.Cmp(o.num) == 0
	case KindString:
		return v.text == o.text
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for i := range v.fields {
			if v.fields[i].Name != o.fields[i].Name || !v.fields[i].Value.Equal(o.fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "None"
	case KindStruct:
		parts := make([]string, 0, len(v.fields))
		for _, f := range v.fields {
			parts = append(parts, f.Name+": "+f.Value.String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindList:
		parts := make([]string, 0, len(v.items))
		for _, item := range v.items {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		text, _ := v.Text()
		return text
	}
}

type wireField struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

type wireValue struct {
	Kind   string          `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Fields []wireField     `json:"fields,omitempty"`
}

// MarshalJSON 使用带类别标签的编码，保证经过事件总线后可无损还原。
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	var err error
	switch v.kind {
	case KindNone:
	case KindBool:
		w.Value, err = json.Marshal(v.flag)
	case KindNumeric:
		w.Value, err = json.Marshal(v.num.String())
	case KindString:
		w.Value, err = json.Marshal(v.text)
	case KindList:
		w.Value, err = json.Marshal(v.items)
	case KindStruct:
		w.Fields = make([]wireField, 0, len(v.fields))
		for _, f := range v.fields {
			w.Fields = append(w.Fields, wireField(f))
		}
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "", "none":
		*v = None()
	case "bool":
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case "numeric":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("invalid numeric value %q", s)
		}
		*v = Value{kind: KindNumeric, num: n}
	case "string":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case "list":
		var items []Value
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &items); err != nil {
				return err
			}
		}
		*v = Value{kind: KindList, items: items}
	case "struct":
		fields := make([]Field, 0, len(w.Fields))
		for _, f := range w.Fields {
			fields = append(fields, Field(f))
		}
		*v = Value{kind: KindStruct, fields: fields}
	default:
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	return nil
}
