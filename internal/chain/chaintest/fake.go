// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/stream"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client 是内存中的链客户端。查询结果按路径配置，事件通过 Emit 推送。
type Client struct {
	mu         sync.Mutex
	chainID    *big.Int
	results    map[string]func(args []any) (chain.Value, error)
	constants  map[string]chain.Value
	subs       []*subscriber
	queries    []Query
	calls      []chain.Call
	submitted  []*types.Transaction
	nonce      uint64
	submitErr  error
	receiptErr error
	closed     bool
}

// Query 记录一次只读查询。
type Query struct {
	Path string
	Args []any
}

type subscriber struct {
	names map[string]bool
	ch    chan chain.Event
}

var _ chain.Client = (*Client)(nil)

// New 创建空的假客户端。
func New() *Client {
	return &Client{
		chainID:   big.NewInt(686),
		results:   make(map[string]func([]any) (chain.Value, error)),
		constants: make(map[string]chain.Value),
	}
}

// SetResult 为路径配置固定返回值。
func (c *Client) SetResult(path string, v chain.Value) {
	c.SetQuery(path, func([]any) (chain.Value, error) { return v, nil })
}

// SetQuery 为路径配置查询函数。
func (c *Client) SetQuery(path string, fn func(args []any) (chain.Value, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[path] = fn
}

// SetConstant 配置链常量。
func (c *Client) SetConstant(name string, v chain.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constants[name] = v
}

// FailSubmit 让之后的提交返回 err。
func (c *Client) FailSubmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// FailReceipt 让之后的等待打包返回 err。
func (c *Client) FailReceipt(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptErr = err
}

// Emit 将事件推送给名称匹配的订阅者。
func (c *Client) Emit(ctx context.Context, ev chain.Event) {
	c.mu.Lock()
	subs := append([]*subscriber(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		if len(s.names) > 0 && !s.names[ev.Name] {
			continue
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribers 返回当前订阅数。
func (c *Client) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Queries 返回已执行的查询。
func (c *Client) Queries() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Query(nil), c.queries...)
}

// Calls 返回已构造的写调用。
func (c *Client) Calls() []chain.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.Call(nil), c.calls...)
}

// Submitted 返回已提交的交易。
func (c *Client) Submitted() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.submitted...)
}

// Closed 报告 Close 是否被调用。
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Query(_ context.Context, path string, args ...any) (chain.Value, error) {
	c.mu.Lock()
	c.queries = append(c.queries, Query{Path: path, Args: args})
	fn, ok := c.results[path]
	c.mu.Unlock()
	if !ok {
		return chain.None(), xerrors.New(chain.CodeUnknownPath, fmt.Sprintf("未配置的查询路径 %s", path))
	}
	return fn(args)
}

func (c *Client) SubscribeEvents(ctx context.Context, names ...string) (*stream.Subscription[chain.Event], error) {
	s := &subscriber{names: make(map[string]bool, len(names)), ch: make(chan chain.Event)}
	for _, n := range names {
		s.names[n] = true
	}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	return stream.Start(ctx, func(ctx context.Context, emit func(chain.Event) bool) error {
		defer c.unsubscribe(s)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-s.ch:
				if !emit(ev) {
					return ctx.Err()
				}
			}
		}
	}), nil
}

func (c *Client) unsubscribe(s *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.subs {
		if existing == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Client) BuildTransaction(_ context.Context, _ common.Address, call chain.Call) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     c.nonce,
		Gas:       100000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Data:      []byte(call.Path),
		Value:     call.Value,
	})
	c.nonce++
	return tx, nil
}

func (c *Client) SubmitTransaction(_ context.Context, tx *types.Transaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.submitted = append(c.submitted, tx)
	return tx.Hash().Hex(), nil
}

func (c *Client) WaitIncluded(_ context.Context, txHash string) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiptErr != nil {
		return chain.Receipt{}, c.receiptErr
	}
	return chain.Receipt{TxHash: txHash, Block: 1, GasUsed: 21000, Success: true}, nil
}

func (c *Client) Constant(name string) (chain.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.constants[name]
	return v, ok
}

func (c *Client) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
