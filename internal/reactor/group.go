package reactor

import (
	"context"
	"sort"
	"sync"
)

// Group 为每个通道键惰性创建一个反应器。不同通道之间不保证顺序。
type Group[T any] struct {
	ctx     context.Context
	handler func(channel string) Handler[T]
	opts    []Option

	mu       sync.Mutex
	reactors map[string]*Reactor[T]
	closed   bool
}

// NewGroup 创建反应器组。handler 按通道名返回该通道的处理函数。
func NewGroup[T any](ctx context.Context, handler func(channel string) Handler[T], opts ...Option) *Group[T] {
	return &Group[T]{
		ctx:      ctx,
		handler:  handler,
		opts:     opts,
		reactors: make(map[string]*Reactor[T]),
	}
}

// Submit 将条目提交到指定通道。
func (g *Group[T]) Submit(channel string, v T) error {
	r, err := g.reactor(channel)
	if err != nil {
		return err
	}
	return r.Submit(v)
}

func (g *Group[T]) reactor(channel string) (*Reactor[T], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	r, ok := g.reactors[channel]
	if !ok {
		r = New(g.ctx, channel, g.handler(channel), g.opts...)
		g.reactors[channel] = r
	}
	return r, nil
}

// Channels 返回已创建的通道名称。
func (g *Group[T]) Channels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.reactors))
	for name := range g.reactors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending 返回各通道的积压数量。
func (g *Group[T]) Pending() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.reactors))
	for name, r := range g.reactors {
		out[name] = r.Len()
	}
	return out
}

// Close 关闭所有反应器并等待正在执行的处理函数结束。
func (g *Group[T]) Close() {
	g.mu.Lock()
	g.closed = true
	reactors := make([]*Reactor[T], 0, len(g.reactors))
	for _, r := range g.reactors {
		reactors = append(reactors, r)
	}
	g.mu.Unlock()

	for _, r := range reactors {
		r.Close()
	}
	for _, r := range reactors {
		<-r.Done()
	}
}
