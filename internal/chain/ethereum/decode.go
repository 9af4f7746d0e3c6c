package ethereum

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

var twoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

// decodeValue 按 ABI 类型标签将 go-ethereum 解包得到的值转换为 chain.Value。
func decodeValue(t abi.Type, v any) (chain.Value, error) {
	rv := reflect.ValueOf(v)
	switch t.T {
	case abi.IntTy, abi.UintTy:
		return decodeInteger(rv)
	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return chain.Value{}, decodeError(t, v)
		}
		return chain.Bool(b), nil
	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return chain.Value{}, decodeError(t, v)
		}
		return chain.String(s), nil
	case abi.AddressTy:
		addr, ok := v.(common.Address)
		if !ok {
			return chain.Value{}, decodeError(t, v)
		}
		return chain.String(addr.Hex()), nil
	case abi.HashTy:
		hash, ok := v.(common.Hash)
		if !ok {
			return chain.Value{}, decodeError(t, v)
		}
		return chain.String(hash.Hex()), nil
	case abi.BytesTy:
		raw, ok := v.([]byte)
		if !ok {
			return chain.Value{}, decodeError(t, v)
		}
		return chain.String(hexutil.Encode(raw)), nil
	case abi.FixedBytesTy, abi.FunctionTy:
		if rv.Kind() != reflect.Array {
			return chain.Value{}, decodeError(t, v)
		}
		raw := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(raw), rv)
		return chain.String(hexutil.Encode(raw)), nil
	case abi.SliceTy, abi.ArrayTy:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return chain.Value{}, decodeError(t, v)
		}
		items := make([]chain.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := decodeValue(*t.Elem, rv.Index(i).Interface())
			if err != nil {
				return chain.Value{}, err
			}
			items = append(items, item)
		}
		return chain.List(items...), nil
	case abi.TupleTy:
		if rv.Kind() == reflect.Pointer {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct || rv.NumField() != len(t.TupleElems) {
			return chain.Value{}, decodeError(t, v)
		}
		fields := make([]chain.Field, 0, len(t.TupleElems))
		for i, elem := range t.TupleElems {
			item, err := decodeValue(*elem, rv.Field(i).Interface())
			if err != nil {
				return chain.Value{}, err
			}
			fields = append(fields, chain.Field{Name: fieldName(t.TupleRawNames, i), Value: item})
		}
		return chain.Struct(fields...), nil
	case abi.FixedPointTy:
		return chain.Value{}, xerrors.New(chain.CodeDecodeFailure, "不支持定点数类型")
	default:
		return chain.Value{}, xerrors.New(chain.CodeDecodeFailure, fmt.Sprintf("未知的 ABI 类型 %s", t.String()))
	}
}

func decodeInteger(rv reflect.Value) (chain.Value, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return chain.Int64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return chain.Numeric(new(big.Int).SetUint64(rv.Uint())), nil
	}
	if n, ok := rv.Interface().(*big.Int); ok && n != nil {
		return chain.Numeric(n), nil
	}
	return chain.Value{}, xerrors.New(chain.CodeDecodeFailure, fmt.Sprintf("无法解码整数 %v", rv.Interface()))
}

func decodeError(t abi.Type, v any) error {
	return xerrors.New(chain.CodeDecodeFailure, fmt.Sprintf("类型 %s 的值 %T 无法解码", t.String(), v))
}

func fieldName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return strconv.Itoa(i)
}

// decodeTopic 解码 indexed 参数。动态类型在日志中只保留哈希，按哈希文本返回。
func decodeTopic(t abi.Type, topic common.Hash) chain.Value {
	switch t.T {
	case abi.UintTy:
		return chain.Numeric(new(big.Int).SetBytes(topic[:]))
	case abi.IntTy:
		n := new(big.Int).SetBytes(topic[:])
		if topic[0]&0x80 != 0 {
			n.Sub(n, twoTo256)
		}
		return chain.Numeric(n)
	case abi.BoolTy:
		return chain.Bool(topic[common.HashLength-1] == 1)
	case abi.AddressTy:
		return chain.String(common.BytesToAddress(topic[common.HashLength-common.AddressLength:]).Hex())
	case abi.FixedBytesTy:
		return chain.String(hexutil.Encode(topic[:t.Size]))
	default:
		return chain.String(topic.Hex())
	}
}

// decodeLog 将日志解码为 chain.Event。docs 为空时由 ABI 参数名生成文档。
func decodeLog(contract string, ev abi.Event, docs []string, log coretypes.Log) (chain.Event, error) {
	values, err := ev.Inputs.Unpack(log.Data)
	if err != nil {
		return chain.Event{}, xerrors.Wrap(chain.CodeDecodeFailure, err, fmt.Sprintf("解码事件 %s.%s 失败", contract, ev.RawName))
	}

	topics := log.Topics
	if !ev.Anonymous && len(topics) > 0 {
		topics = topics[1:]
	}

	raw := make([]chain.Value, 0, len(ev.Inputs))
	names := make([]string, 0, len(ev.Inputs))
	dataIdx, topicIdx := 0, 0
	for i, input := range ev.Inputs {
		names = append(names, fieldName([]string{input.Name}, i))
		if input.Indexed {
			if topicIdx >= len(topics) {
				return chain.Event{}, xerrors.New(chain.CodeDecodeFailure, fmt.Sprintf("事件 %s 缺少 indexed 参数 %s", ev.RawName, input.Name))
			}
			raw = append(raw, decodeTopic(input.Type, topics[topicIdx]))
			topicIdx++
			continue
		}
		if dataIdx >= len(values) {
			return chain.Event{}, xerrors.New(chain.CodeDecodeFailure, fmt.Sprintf("事件 %s 缺少参数 %s", ev.RawName, input.Name))
		}
		value, err := decodeValue(input.Type, values[dataIdx])
		if err != nil {
			return chain.Event{}, err
		}
		raw = append(raw, value)
		dataIdx++
	}

	if len(docs) == 0 {
		docs = []string{"[" + strings.Join(names, ", ") + "]"}
	}
	event := chain.NewEvent(contract+"."+ev.RawName, docs, raw)
	event.Block = log.BlockNumber
	event.TxHash = log.TxHash.Hex()
	event.LogIndex = log.Index
	return event, nil
}
