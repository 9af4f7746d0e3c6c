package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/stream"
	"OpenGuardian/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/benbjohnson/clock"
)

const (
	defaultReceiptPoll = 2 * time.Second
	gasHeadroomPercent = 20
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	WSURL       string
	Catalog     chain.Catalog
	ReceiptPoll time.Duration
	Clock       clock.Clock
}

// Backend is the subset of ethclient.Client the guardian relies on.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// LogSubscriber mirrors the subset of methods required for log subscriptions.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

type boundContract struct {
	name    string
	address common.Address
	abi     abi.ABI
}

type eventKey struct {
	address common.Address
	topic   common.Hash
}

type boundEvent struct {
	contract string
	event    abi.Event
}

// Client implements chain.Client for EVM compatible networks.
type Client struct {
	name        string
	catalog     chain.Catalog
	contracts   map[string]boundContract
	rpcClient   *gethrpc.Client
	wsClient    *ethclient.Client
	backend     Backend
	eventClient LogSubscriber
	clock       clock.Clock
	receiptPoll time.Duration
	log         *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

var _ chain.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeChainUnavailable, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	var events LogSubscriber = eth
	var wsClient *ethclient.Client
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL)
		if wsErr != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(chain.CodeChainUnavailable, wsErr, "连接以太坊 WebSocket 节点失败")
		}
		wsClient = ethclient.NewClient(wsRPC)
		events = wsClient
	}

	client, err := newClient(cfg, eth, events)
	if err != nil {
		if wsClient != nil {
			wsClient.Close()
		}
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	client.wsClient = wsClient
	return client, nil
}

// NewClientWithBackend wraps an existing backend, for example a simulated chain.
func NewClientWithBackend(cfg Config, backend Backend, events LogSubscriber) (*Client, error) {
	return newClient(cfg, backend, events)
}

func newClient(cfg Config, backend Backend, events LogSubscriber) (*Client, error) {
	contracts := make(map[string]boundContract, len(cfg.Catalog.Contracts))
	for name, spec := range cfg.Catalog.Contracts {
		if !common.IsHexAddress(spec.Address) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("合约 %s 地址无效: %q", name, spec.Address))
		}
		parsed, err := abi.JSON(strings.NewReader(spec.ABI))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析合约 %s 的 ABI 失败", name))
		}
		contracts[name] = boundContract{name: name, address: common.HexToAddress(spec.Address), abi: parsed}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = defaultReceiptPoll
	}

	return &Client{
		name:        cfg.Name,
		catalog:     cfg.Catalog,
		contracts:   contracts,
		backend:     backend,
		eventClient: events,
		clock:       clk,
		receiptPoll: poll,
		log:         logger.Named("chain").With("network", cfg.Name),
	}, nil
}

// Name returns the network name.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Constant returns a read-only catalog constant.
func (c *Client) Constant(name string) (chain.Value, bool) {
	return c.catalog.Constant(name)
}

// ChainID returns the cached chain id, fetching it once from the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeChainUnavailable, err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

func (c *Client) method(path string) (boundContract, abi.Method, error) {
	contractName, methodName, err := chain.SplitPath(path)
	if err != nil {
		return boundContract{}, abi.Method{}, err
	}
	contract, ok := c.contracts[contractName]
	if !ok {
		return boundContract{}, abi.Method{}, xerrors.New(chain.CodeUnknownPath, fmt.Sprintf("网络 %s 未配置合约 %s", c.name, contractName))
	}
	m, ok := contract.abi.Methods[methodName]
	if !ok {
		return boundContract{}, abi.Method{}, xerrors.New(chain.CodeUnknownPath, fmt.Sprintf("合约 %s 不存在方法 %s", contractName, methodName))
	}
	return contract, m, nil
}

func (c *Client) pack(contract boundContract, m abi.Method, args []any) ([]byte, error) {
	encoded, err := encodeArgs(m.Inputs, args)
	if err != nil {
		return nil, err
	}
	data, err := contract.abi.Pack(m.Name, encoded...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s.%s 调用失败", contract.name, m.Name))
	}
	return data, nil
}

// Query performs an eth_call against contract.method and decodes the outputs.
// Multiple outputs are returned as a struct keyed by output name.
func (c *Client) Query(ctx context.Context, path string, args ...any) (chain.Value, error) {
	contract, m, err := c.method(path)
	if err != nil {
		return chain.Value{}, err
	}
	data, err := c.pack(contract, m, args)
	if err != nil {
		return chain.Value{}, err
	}

	to := contract.address
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return chain.Value{}, xerrors.Wrap(chain.CodeChainUnavailable, err, fmt.Sprintf("调用 %s 失败", path), xerrors.WithMetadata("path", path))
	}

	values, err := m.Outputs.Unpack(out)
	if err != nil {
		return chain.Value{}, xerrors.Wrap(chain.CodeDecodeFailure, err, fmt.Sprintf("解码 %s 返回值失败", path))
	}
	if len(values) == 0 {
		return chain.None(), nil
	}
	if len(values) == 1 {
		return decodeValue(m.Outputs[0].Type, values[0])
	}
	fields := make([]chain.Field, 0, len(values))
	for i, output := range m.Outputs {
		value, err := decodeValue(output.Type, values[i])
		if err != nil {
			return chain.Value{}, err
		}
		fields = append(fields, chain.Field{Name: fieldName([]string{output.Name}, i), Value: value})
	}
	return chain.Struct(fields...), nil
}

func (c *Client) resolveEvents(names []string) (map[eventKey]boundEvent, error) {
	resolved := make(map[eventKey]boundEvent)
	add := func(contract boundContract, ev abi.Event) {
		resolved[eventKey{address: contract.address, topic: ev.ID}] = boundEvent{contract: contract.name, event: ev}
	}

	if len(names) == 0 {
		for _, contract := range c.contracts {
			for _, ev := range contract.abi.Events {
				add(contract, ev)
			}
		}
		return resolved, nil
	}

	for _, name := range names {
		contractName, eventName, err := chain.SplitPath(name)
		if err != nil {
			return nil, err
		}
		contract, ok := c.contracts[contractName]
		if !ok {
			return nil, xerrors.New(chain.CodeUnknownPath, fmt.Sprintf("网络 %s 未配置合约 %s", c.name, contractName))
		}
		ev, ok := contract.abi.Events[eventName]
		if !ok {
			return nil, xerrors.New(chain.CodeUnknownPath, fmt.Sprintf("合约 %s 不存在事件 %s", contractName, eventName))
		}
		add(contract, ev)
	}
	return resolved, nil
}

// SubscribeEvents attaches a log subscription and decodes matching logs into
// chain events. The subscription ends with an error when the node drops it.
func (c *Client) SubscribeEvents(ctx context.Context, names ...string) (*stream.Subscription[chain.Event], error) {
	if c.eventClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端不支持事件订阅")
	}
	events, err := c.resolveEvents(names)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可订阅的事件")
	}

	var query gethcore.FilterQuery
	seenAddr := map[common.Address]bool{}
	topics := make([]common.Hash, 0, len(events))
	for key := range events {
		if !seenAddr[key.address] {
			seenAddr[key.address] = true
			query.Addresses = append(query.Addresses, key.address)
		}
		topics = append(topics, key.topic)
	}
	query.Topics = [][]common.Hash{topics}

	logs := make(chan coretypes.Log, 64)
	sub, err := c.eventClient.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeChainUnavailable, err, "订阅事件失败")
	}

	return stream.Start(ctx, func(ctx context.Context, emit func(chain.Event) bool) error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err, ok := <-sub.Err():
				if !ok || err == nil {
					return xerrors.New(chain.CodeChainUnavailable, "事件订阅已关闭")
				}
				return xerrors.Wrap(chain.CodeChainUnavailable, err, "事件订阅中断")
			case entry := <-logs:
				if entry.Removed || len(entry.Topics) == 0 {
					continue
				}
				bound, ok := events[eventKey{address: entry.Address, topic: entry.Topics[0]}]
				if !ok {
					continue
				}
				name := bound.contract + "." + bound.event.RawName
				event, err := decodeLog(bound.contract, bound.event, c.catalog.Docs(name), entry)
				if err != nil {
					c.log.Warn("跳过无法解码的事件", "event", name, "tx_hash", entry.TxHash.Hex(), "error", err)
					continue
				}
				if !emit(event) {
					return ctx.Err()
				}
			}
		}
	}), nil
}

// BuildTransaction assembles an unsigned EIP-1559 transaction for contract.method.
func (c *Client) BuildTransaction(ctx context.Context, from common.Address, call chain.Call) (*coretypes.Transaction, error) {
	contract, m, err := c.method(call.Path)
	if err != nil {
		return nil, err
	}
	data, err := c.pack(contract, m, call.Args)
	if err != nil {
		return nil, err
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeChainUnavailable, err, "查询交易计数失败")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeChainUnavailable, err, "查询小费失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeChainUnavailable, err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := contract.address
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, xerrors.Wrap(chain.CodeTransactionRejected, err, fmt.Sprintf("预估 %s 的 gas 失败", call.Path))
	}
	gas += gas * gasHeadroomPercent / 100

	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

// SubmitTransaction broadcasts a signed transaction. JSON-RPC errors returned
// by the node are rejections. Only dial failures are retryable: after the
// request has left, the node may hold the transaction.
func (c *Client) SubmitTransaction(ctx context.Context, tx *coretypes.Transaction) (string, error) {
	if tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return "", classifySendError(err, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

func classifySendError(err error, hash string) error {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return xerrors.Wrap(chain.CodeTransactionRejected, err, "节点拒绝交易", xerrors.WithMetadata("tx_hash", hash))
	}
	if chain.NotBroadcast(err) {
		return xerrors.Wrap(chain.CodeChainUnavailable, err, "发送交易失败", xerrors.WithMetadata("tx_hash", hash))
	}
	return xerrors.Wrap(chain.CodeTransactionUnknown, err, "交易广播结果未知", xerrors.WithMetadata("tx_hash", hash))
}

// WaitIncluded polls for the receipt until the transaction is mined.
func (c *Client) WaitIncluded(ctx context.Context, txHash string) (chain.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := c.clock.Ticker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			result := chain.Receipt{
				TxHash:  txHash,
				GasUsed: receipt.GasUsed,
				Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
			}
			if receipt.BlockNumber != nil {
				result.Block = receipt.BlockNumber.Uint64()
			}
			if !result.Success {
				return result, xerrors.New(chain.CodeTransactionRejected, "交易执行失败", xerrors.WithMetadata("tx_hash", txHash))
			}
			return result, nil
		case errors.Is(err, gethcore.NotFound):
		default:
			if ctx.Err() != nil {
				return chain.Receipt{}, ctx.Err()
			}
			return chain.Receipt{}, xerrors.Wrap(chain.CodeChainUnavailable, err, "查询交易回执失败", xerrors.WithMetadata("tx_hash", txHash))
		}

		select {
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
