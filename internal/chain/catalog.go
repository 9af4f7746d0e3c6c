package chain

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	xerrors "OpenGuardian/internal/errors"

	"gopkg.in/yaml.v3"
)

// Catalog 描述一个网络上守护进程使用的合约、事件文档与常量。
type Catalog struct {
	Contracts map[string]ContractSpec `yaml:"contracts"`
	Events    map[string]EventSpec    `yaml:"events"`
	Constants map[string]any          `yaml:"constants"`
}

// ContractSpec 描述单个合约。ABI 可以内联，也可以通过 abi_file 引用。
type ContractSpec struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
	ABIFile string `yaml:"abi_file"`
}

// EventSpec 为事件补充文档，键为 "contract.Event"。
type EventSpec struct {
	Docs []string `yaml:"docs"`
}

// LoadCatalog 从 YAML 文件读取合约目录，abi_file 相对目录文件解析。
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}.normalize(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("读取合约目录失败: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, fmt.Errorf("解析合约目录失败: %w", err)
	}
	cat = cat.normalize()
	if err := cat.ResolveABIFiles(filepath.Dir(path)); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func (c Catalog) normalize() Catalog {
	if c.Contracts == nil {
		c.Contracts = map[string]ContractSpec{}
	}
	if c.Events == nil {
		c.Events = map[string]EventSpec{}
	}
	if c.Constants == nil {
		c.Constants = map[string]any{}
	}
	return c
}

// ResolveABIFiles 读取 abi_file 引用的 ABI 内容。
func (c Catalog) ResolveABIFiles(baseDir string) error {
	for name, spec := range c.Contracts {
		if spec.ABI != "" || spec.ABIFile == "" {
			continue
		}
		file := spec.ABIFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("读取合约 %s 的 ABI 失败: %w", name, err)
		}
		spec.ABI = string(content)
		c.Contracts[name] = spec
	}
	return nil
}

// Merge 以 other 中的条目覆盖当前目录中的同名条目。
func (c Catalog) Merge(other Catalog) Catalog {
	out := Catalog{}.normalize()
	for _, src := range []Catalog{c, other} {
		for k, v := range src.Contracts {
			out.Contracts[k] = v
		}
		for k, v := range src.Events {
			out.Events[k] = v
		}
		for k, v := range src.Constants {
			out.Constants[k] = v
		}
	}
	return out
}

// Docs 返回事件的补充文档。
func (c Catalog) Docs(event string) []string {
	return append([]string(nil), c.Events[event].Docs...)
}

// Constant 返回常量的链上值表示。
func (c Catalog) Constant(name string) (Value, bool) {
	raw, ok := c.Constants[name]
	if !ok {
		return Value{}, false
	}
	return ConstantValue(raw), true
}

// ConstantValue 将 YAML 解码得到的值转换为 Value。小数以十进制文本保存。
func ConstantValue(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return None()
	case bool:
		return Bool(v)
	case int:
		return Int64(int64(v))
	case int64:
		return Int64(v)
	case uint64:
		return Numeric(new(big.Int).SetUint64(v))
	case float64:
		return String(strconv.FormatFloat(v, 'f', -1, 64))
	case string:
		return String(v)
	case []any:
		items := make([]Value, 0, len(v))
		for _, item := range v {
			items = append(items, ConstantValue(item))
		}
		return List(items...)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, Field{Name: k, Value: ConstantValue(v[k])})
		}
		return Struct(fields...)
	default:
		return String(fmt.Sprint(v))
	}
}

// SplitPath 将 "contract.member" 拆分为合约名与成员名。
func SplitPath(path string) (string, string, error) {
	contract, member, ok := strings.Cut(strings.TrimSpace(path), ".")
	if !ok || contract == "" || member == "" {
		return "", "", xerrors.New(CodeUnknownPath, fmt.Sprintf("无效的合约路径 %q", path))
	}
	return contract, member, nil
}
