package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/pkg/logger"
)

// CodeActionFailed 表示某个动作处理失败。
const CodeActionFailed xerrors.Code = "ACTION_FAILED"

func init() {
	xerrors.Register(CodeActionFailed, xerrors.Attributes{
		Message:  "action failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Event 是派发给动作的输入。Name 用于查找动作，Data 原样传给动作。
type Event struct {
	Name string
	Data any
}

// Action 处理一次派发。
type Action func(ctx context.Context, data any, md Metadata) error

type binding struct {
	pattern string
	glob    bool
	action  Action
}

// Registry 将事件名或通配模式映射到动作。由组合根显式创建并传递。
type Registry struct {
	mu       sync.RWMutex
	bindings []binding
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Registry)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// New 创建空的注册表。
func New(opts ...Option) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.log == nil {
		r.log = logger.Named("registry")
	}
	return r
}

// Register 追加一个动作。同名的多次注册全部保留，按注册顺序派发，
// 从不去重或替换。name 可以是 path.Match 通配模式，例如 "collateral_*"。
func (r *Registry) Register(name string, action Action) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作名称不能为空")
	}
	if action == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("动作 %s 为空", name))
	}
	glob := strings.ContainsAny(name, "*?[")
	if glob {
		if _, err := path.Match(name, ""); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无效的动作模式 %s", name))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, binding{pattern: name, glob: glob, action: action})
	return nil
}

// MustRegister 与 Register 相同，出错时 panic。用于组合根的静态注册。
func (r *Registry) MustRegister(name string, action Action) {
	if err := r.Register(name, action); err != nil {
		panic(err)
	}
}

// Names 返回已注册的名称或模式，保持注册顺序，重复的名称只返回一次。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.bindings))
	names := make([]string, 0, len(r.bindings))
	for _, b := range r.bindings {
		if seen[b.pattern] {
			continue
		}
		seen[b.pattern] = true
		names = append(names, b.pattern)
	}
	return names
}

// Has 判断是否存在能匹配 name 的动作。
func (r *Registry) Has(name string) bool {
	return len(r.match(name)) > 0
}

func (r *Registry) match(name string) []binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []binding
	for _, b := range r.bindings {
		if b.glob {
			if ok, _ := path.Match(b.pattern, name); ok {
				matched = append(matched, b)
			}
			continue
		}
		if b.pattern == name {
			matched = append(matched, b)
		}
	}
	return matched
}

// Dispatch 按注册顺序为每个匹配的动作启动独立的 goroutine，并等待全部结束。
//
// 每个动作相互隔离：一个动作的耗时、错误或 panic 不会阻塞或影响其余动作，
// 所有错误按注册顺序合并后返回。没有匹配的动作时静默返回 nil。
func (r *Registry) Dispatch(ctx context.Context, ev Event, md Metadata) error {
	matched := r.match(ev.Name)
	if len(matched) == 0 {
		r.log.Debug("没有匹配的动作", slog.String("event", ev.Name))
		return nil
	}

	errs := make([]error, len(matched))
	var wg sync.WaitGroup
	for i, b := range matched {
		i, b := i, b
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.run(ctx, i, b, ev, md)
		}()
	}
	wg.Wait()
	return stdErrors.Join(errs...)
}

func (r *Registry) run(ctx context.Context, i int, b binding, ev Event, md Metadata) error {
	started := time.Now()
	err := invoke(ctx, b.action, ev.Data, md)
	if err == nil {
		r.log.Debug("动作执行完成",
			slog.String("event", ev.Name),
			slog.String("action", b.pattern),
			slog.Duration("elapsed", time.Since(started)),
		)
		return nil
	}
	wrapped := err
	if _, ok := xerrors.From(err); !ok {
		wrapped = xerrors.Wrap(CodeActionFailed, err, fmt.Sprintf("动作 %s 执行失败", b.pattern))
	}
	r.log.Warn("动作执行失败",
		slog.String("event", ev.Name),
		slog.String("action", b.pattern),
		slog.Int("index", i),
		slog.String("network", md.Network),
		slog.String("error_code", string(xerrors.CodeOf(wrapped))),
		slog.Any("error", err),
	)
	return wrapped
}

func invoke(ctx context.Context, action Action, data any, md Metadata) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panic: %v", p)
		}
	}()
	return action(ctx, data, md)
}
