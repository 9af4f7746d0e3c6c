package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/reactor"
	"OpenGuardian/pkg/logger"

	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// TxHasher 由处理后会产生交易的条目实现。
type TxHasher interface {
	TxHash() string
}

// Detailer 由需要在日志中附带额外信息的条目实现。
type Detailer interface {
	Detail() map[string]any
}

type itemKey struct {
	reactor string
	seq     uint64
}

// Recorder 将反应器条目的生命周期写入日志存储。写入失败只记录日志，不影响反应器。
type Recorder struct {
	store    Store
	guardian string
	log      *slog.Logger

	mu  sync.Mutex
	ids map[itemKey]string
}

var _ reactor.Observer = (*Recorder)(nil)

// NewRecorder 创建记录器。
func NewRecorder(store Store, guardian string) *Recorder {
	return &Recorder{
		store:    store,
		guardian: guardian,
		log:      logger.Named("journal"),
		ids:      make(map[itemKey]string),
	}
}

func (r *Recorder) OnQueued(ctx context.Context, item reactor.Item) {
	id := uuid.NewString()
	r.mu.Lock()
	r.ids[itemKey{item.Reactor, item.Seq}] = id
	r.mu.Unlock()

	ctx, cancel := detached(ctx)
	defer cancel()
	err := r.store.Create(ctx, &Record{
		ID:       id,
		Guardian: r.guardian,
		Channel:  item.Reactor,
		Subject:  item.Subject(),
		Seq:      item.Seq,
		Status:   StatusPending,
	})
	r.report("创建反应记录失败", item, err)
}

func (r *Recorder) OnStart(ctx context.Context, item reactor.Item) {
	id, ok := r.lookup(item, false)
	if !ok {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	r.report("更新反应记录失败", item, r.store.MarkRunning(ctx, id))
}

func (r *Recorder) OnFinish(ctx context.Context, item reactor.Item, err error) {
	id, ok := r.lookup(item, true)
	if !ok {
		return
	}
	outcome := Outcome{Status: StatusSucceeded, Attempts: item.Attempts}
	switch {
	case err == nil:
	case xerrors.IsRefusal(err):
		outcome.Status = StatusSkipped
	default:
		outcome.Status = StatusFailed
	}
	if err != nil {
		outcome.LastError = err.Error()
		outcome.ErrorCode = string(xerrors.CodeOf(err))
	}
	if h, ok := item.Value.(TxHasher); ok {
		outcome.TxHash = h.TxHash()
	}
	if d, ok := item.Value.(Detailer); ok {
		outcome.Detail = d.Detail()
	}

	ctx, cancel := detached(ctx)
	defer cancel()
	r.report("写入反应结果失败", item, r.store.Complete(ctx, id, outcome))
}

func (r *Recorder) lookup(item reactor.Item, remove bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := itemKey{item.Reactor, item.Seq}
	id, ok := r.ids[key]
	if ok && remove {
		delete(r.ids, key)
	}
	return id, ok
}

func (r *Recorder) report(msg string, item reactor.Item, err error) {
	if err == nil {
		return
	}
	r.log.Warn(msg,
		slog.String("guardian", r.guardian),
		slog.String("channel", item.Reactor),
		slog.Uint64("seq", item.Seq),
		slog.String("subject", item.Subject()),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
}

// detached 返回不随调用方取消的写入上下文，保证关闭期间的结果仍能落库。
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
