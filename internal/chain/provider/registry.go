package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/chain/ethereum"
	"OpenGuardian/internal/config"
)

// Registry 管理按网络名索引的链客户端。
type Registry struct {
	defaultNetwork string
	clients        map[string]chain.Client
	endpoints      map[string][]string
}

// Dialer 根据网络配置创建客户端，测试中可以替换。
type Dialer func(ctx context.Context, name string, network config.NetworkConfig, catalog chain.Catalog) (chain.Client, error)

// DialEVM 是默认的 EVM 客户端构造函数。
func DialEVM(ctx context.Context, name string, network config.NetworkConfig, catalog chain.Catalog) (chain.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:        name,
		RPCURL:      network.RPCURL,
		WSURL:       network.WSURL,
		Catalog:     catalog,
		ReceiptPoll: network.ReceiptPoll,
	})
}

// NewRegistry 为每个配置的网络实例化客户端。
func NewRegistry(ctx context.Context, networks map[string]config.NetworkConfig, defaultNetwork, baseDir string, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEVM
	}
	r := &Registry{
		clients:   make(map[string]chain.Client, len(networks)),
		endpoints: make(map[string][]string, len(networks)),
	}
	for name, network := range networks {
		networkType := strings.ToLower(strings.TrimSpace(network.Type))
		if networkType == "" {
			networkType = "evm"
		}
		if networkType != "evm" {
			r.Close()
			return nil, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, network.Type)
		}
		catalog, err := network.Catalog(baseDir)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("加载网络 %s 的合约目录失败: %w", name, err)
		}
		client, err := dial(ctx, name, network, catalog)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
		}
		r.clients[name] = client
		r.endpoints[name] = network.Endpoints()
	}

	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultNetwork == "" {
		defaultNetwork = r.Networks()[0]
	}
	if _, ok := r.clients[defaultNetwork]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}
	r.defaultNetwork = defaultNetwork
	return r, nil
}

// Default 返回默认网络的客户端。
func (r *Registry) Default() (chain.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultNetwork]
	if !ok {
		return nil, fmt.Errorf("默认网络 %s 未在注册表中", r.defaultNetwork)
	}
	return client, nil
}

// Client 返回指定网络的客户端。name 为空时返回默认网络。
func (r *Registry) Client(name string) (chain.Client, bool) {
	if r == nil {
		return nil, false
	}
	if name == "" {
		name = r.defaultNetwork
	}
	client, ok := r.clients[name]
	return client, ok
}

// Endpoints 返回网络的节点端点。
func (r *Registry) Endpoints(name string) []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.endpoints[name]...)
}

// Close 释放注册表中的全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Networks 返回已注册的网络名。
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
