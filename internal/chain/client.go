package chain

import (
	"context"
	"math/big"

	"OpenGuardian/internal/stream"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Querier 执行只读查询。path 形如 "contract.method"，例如 "oracle.getValue"。
type Querier interface {
	Query(ctx context.Context, path string, args ...any) (Value, error)
}

// Subscriber 订阅链上事件。names 形如 "contract.Event"，为空时订阅目录中的全部事件。
type Subscriber interface {
	SubscribeEvents(ctx context.Context, names ...string) (*stream.Subscription[Event], error)
}

// Call 描述一次合约写调用。
type Call struct {
	Path  string
	Args  []any
	Value *big.Int
}

// Receipt 是交易上链后的结果摘要。
type Receipt struct {
	TxHash  string
	Block   uint64
	GasUsed uint64
	Success bool
}

// Transactor 构造并提交交易。调用方负责等待交易被打包。
type Transactor interface {
	BuildTransaction(ctx context.Context, from common.Address, call Call) (*types.Transaction, error)
	SubmitTransaction(ctx context.Context, tx *types.Transaction) (string, error)
	WaitIncluded(ctx context.Context, txHash string) (Receipt, error)
}

// Client 是守护进程依赖的链访问能力。连接在所有轮询与处理器之间只读共享。
type Client interface {
	Querier
	Subscriber
	Transactor

	// Constant 返回链的只读配置项，例如稳定币 ID 与手续费参数。
	Constant(name string) (Value, bool)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}
