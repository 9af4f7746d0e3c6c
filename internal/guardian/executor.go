package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"OpenGuardian/internal/chain"
	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/observability/metrics"
	"OpenGuardian/internal/signer"
	"OpenGuardian/pkg/logger"

	"github.com/shopspring/decimal"
)

// Executor 提交出价与兑换交易，返回已打包交易的哈希。
type Executor interface {
	Bid(ctx context.Context, lot Lot, amount decimal.Decimal) (string, error)
	Swap(ctx context.Context, supplyAsset, targetAsset string, supply, minTarget decimal.Decimal) (string, error)
}

// ChainExecutor 使用签名器构造、签名并提交交易，然后等待交易被打包。
type ChainExecutor struct {
	client   chain.Client
	signer   signer.Signer
	paths    Paths
	decimals int32
	log      *slog.Logger
}

// NewChainExecutor 创建链上执行器。
func NewChainExecutor(client chain.Client, s signer.Signer, paths Paths, decimals int32) *ChainExecutor {
	return &ChainExecutor{
		client:   client,
		signer:   s,
		paths:    paths,
		decimals: decimals,
		log:      logger.Named("executor"),
	}
}

// Bid 对拍卖出价。
func (e *ChainExecutor) Bid(ctx context.Context, lot Lot, amount decimal.Decimal) (string, error) {
	id := lot.id
	if id.IsNone() {
		id = chain.String(lot.AuctionID)
	}
	return e.submit(ctx, "bid", chain.Call{
		Path: e.paths.Bid,
		Args: []any{id, toFixed(amount, e.decimals)},
	})
}

// Swap 以固定数量的 supplyAsset 兑换 targetAsset，换出数量不少于 minTarget。
func (e *ChainExecutor) Swap(ctx context.Context, supplyAsset, targetAsset string, supply, minTarget decimal.Decimal) (string, error) {
	return e.submit(ctx, "swap", chain.Call{
		Path: e.paths.Swap,
		Args: []any{
			chain.List(chain.String(supplyAsset), chain.String(targetAsset)),
			toFixed(supply, e.decimals),
			toFixed(minTarget, e.decimals),
		},
	})
}

func (e *ChainExecutor) submit(ctx context.Context, kind string, call chain.Call) (string, error) {
	hash, err := e.send(ctx, call)
	outcome := metrics.OutcomeSucceeded
	if err != nil {
		outcome = metrics.OutcomeFailed
	}
	metrics.ObserveTransaction(kind, outcome)
	return hash, err
}

func (e *ChainExecutor) send(ctx context.Context, call chain.Call) (string, error) {
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return "", err
	}
	tx, err := e.client.BuildTransaction(ctx, e.signer.Address(), call)
	if err != nil {
		return "", err
	}
	signed, err := e.signer.SignTx(tx, chainID)
	if err != nil {
		return "", xerrors.Wrap(chain.CodeTransactionRejected, err, "交易签名失败")
	}
	hash, err := e.client.SubmitTransaction(ctx, signed)
	if err != nil {
		if xerrors.RetryableError(err) && !chain.NotBroadcast(err) {
			// 重试会以新的 nonce 再次出价。
			return "", xerrors.Wrap(chain.CodeTransactionUnknown, err, "交易广播结果未知",
				xerrors.WithMetadata("tx_hash", signed.Hash().Hex()),
				xerrors.WithMetadata("nonce", strconv.FormatUint(signed.Nonce(), 10)),
			)
		}
		return "", err
	}
	e.log.Info("交易已提交", slog.String("path", call.Path), slog.String("tx_hash", hash))

	receipt, err := e.client.WaitIncluded(ctx, hash)
	if err != nil {
		// 交易已广播，重试会重复提交。
		return hash, xerrors.Wrap(chain.CodeChainUnavailable, err, fmt.Sprintf("等待交易 %s 打包失败", hash),
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("tx_hash", hash),
		)
	}
	if !receipt.Success {
		return hash, xerrors.New(chain.CodeTransactionRejected, fmt.Sprintf("交易 %s 执行失败", hash),
			xerrors.WithMetadata("tx_hash", hash),
			xerrors.WithMetadata("path", call.Path),
		)
	}
	return hash, nil
}
