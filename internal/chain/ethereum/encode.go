package ethereum

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// encodeArgs 将调用方传入的参数转换为 abi.Pack 需要的 Go 类型。
func encodeArgs(inputs abi.Arguments, args []any) ([]any, error) {
	if len(inputs) != len(args) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数数量不匹配: 需要 %d 个, 实际 %d 个", len(inputs), len(args)))
	}
	out := make([]any, len(args))
	for i, input := range inputs {
		v, err := encodeArg(input.Type, args[i])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("参数 %s 编码失败", input.Name))
		}
		out[i] = v
	}
	return out, nil
}

func encodeArg(t abi.Type, arg any) (any, error) {
	if v, ok := arg.(chain.Value); ok {
		return encodeValue(t, v)
	}
	switch t.T {
	case abi.UintTy, abi.IntTy:
		n, err := toBigInt(arg)
		if err != nil {
			return nil, err
		}
		return sizedInteger(t, n)
	case abi.AddressTy:
		switch v := arg.(type) {
		case common.Address:
			return v, nil
		case string:
			if !common.IsHexAddress(v) {
				return nil, fmt.Errorf("无效的地址 %q", v)
			}
			return common.HexToAddress(v), nil
		}
	case abi.BoolTy:
		if b, ok := arg.(bool); ok {
			return b, nil
		}
	case abi.StringTy:
		if s, ok := arg.(string); ok {
			return s, nil
		}
	case abi.BytesTy:
		return toBytes(arg)
	case abi.FixedBytesTy:
		raw, err := toBytes(arg)
		if err != nil {
			return nil, err
		}
		if len(raw) > t.Size {
			return nil, fmt.Errorf("bytes%d 超出长度: %d", t.Size, len(raw))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(raw))
		return arr.Interface(), nil
	default:
		return arg, nil
	}
	return nil, fmt.Errorf("无法将 %T 编码为 %s", arg, t.String())
}

func encodeValue(t abi.Type, v chain.Value) (any, error) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		n, err := v.BigInt()
		if err != nil {
			return nil, err
		}
		return sizedInteger(t, n)
	case abi.BoolTy:
		return v.Truth()
	default:
		text, err := v.Text()
		if err != nil {
			return nil, err
		}
		return encodeArg(t, text)
	}
}

func sizedInteger(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("uint%d 不能为负数", t.Size)
	}
	if t.Size > 64 {
		return n, nil
	}
	if t.T == abi.UintTy {
		if !n.IsUint64() {
			return nil, fmt.Errorf("uint%d 溢出", t.Size)
		}
		u := n.Uint64()
		switch t.Size {
		case 8:
			return uint8(u), nil
		case 16:
			return uint16(u), nil
		case 32:
			return uint32(u), nil
		default:
			return u, nil
		}
	}
	if !n.IsInt64() {
		return nil, fmt.Errorf("int%d 溢出", t.Size)
	}
	i := n.Int64()
	switch t.Size {
	case 8:
		return int8(i), nil
	case 16:
		return int16(i), nil
	case 32:
		return int32(i), nil
	default:
		return i, nil
	}
}

func toBigInt(arg any) (*big.Int, error) {
	switch v := arg.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("整数参数为空")
		}
		return v, nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case string:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v), 0)
		if !ok {
			return nil, fmt.Errorf("无效的整数 %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("无法将 %T 转换为整数", arg)
	}
}

func toBytes(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case []byte:
		return v, nil
	case common.Hash:
		return v.Bytes(), nil
	case string:
		if strings.HasPrefix(v, "0x") {
			return hexutil.Decode(v)
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("无法将 %T 转换为字节串", arg)
	}
}
