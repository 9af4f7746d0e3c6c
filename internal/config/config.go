package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenGuardian/internal/chain"
	"OpenGuardian/internal/signer"
	"OpenGuardian/pkg/logger"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是环境变量覆盖项的统一前缀。
const EnvPrefix = "GUARDIAN_"

// Config 描述了守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Log      logger.Config            `yaml:"log"`
	API      APIConfig                `yaml:"api"`
	Networks map[string]NetworkConfig `yaml:"networks"`
	Journal  JournalConfig            `yaml:"journal"`
	EventBus EventBusConfig           `yaml:"event_bus"`
	Reactor  ReactorConfig            `yaml:"reactor"`
	Oracle   OracleConfig             `yaml:"oracle"`
	Alerting AlertingConfig           `yaml:"alerting"`
	Guardian GuardianConfig           `yaml:"guardian"`
}

// APIConfig 控制状态 API 的监听地址与访问令牌。Token 为空时不做认证。
type APIConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// NetworkConfig 描述一个链网络：节点端点与合约目录。
type NetworkConfig struct {
	Type        string                        `yaml:"type"`
	RPCURL      string                        `yaml:"rpc_url"`
	WSURL       string                        `yaml:"ws_url"`
	CatalogFile string                        `yaml:"catalog_file"`
	Contracts   map[string]chain.ContractSpec `yaml:"contracts"`
	Events      map[string]chain.EventSpec    `yaml:"events"`
	Constants   map[string]any                `yaml:"constants"`
	ReceiptPoll time.Duration                 `yaml:"receipt_poll"`
}

// Endpoints 返回节点端点列表，随派发元数据传给动作。
func (n NetworkConfig) Endpoints() []string {
	var out []string
	for _, u := range []string{n.RPCURL, n.WSURL} {
		if strings.TrimSpace(u) != "" {
			out = append(out, u)
		}
	}
	return out
}

// Catalog 合并目录文件与内联条目，内联条目优先。
func (n NetworkConfig) Catalog(baseDir string) (chain.Catalog, error) {
	base, err := chain.LoadCatalog(n.CatalogFile)
	if err != nil {
		return chain.Catalog{}, err
	}
	inline := chain.Catalog{Contracts: n.Contracts, Events: n.Events, Constants: n.Constants}
	if err := inline.ResolveABIFiles(baseDir); err != nil {
		return chain.Catalog{}, err
	}
	return base.Merge(inline), nil
}

// JournalConfig 描述反应日志的存储后端。
type JournalConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// EventBusConfig 描述任务输出投递所用的事件总线。
type EventBusConfig struct {
	Driver     string         `yaml:"driver"`
	BufferSize int            `yaml:"buffer_size"`
	Redis      RedisConfig    `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 总线的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ReactorConfig 控制顺序反应器的超时与重试。
type ReactorConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// OracleConfig 描述预言机价格源。
type OracleConfig struct {
	Provider    string        `yaml:"provider"`
	Path        string        `yaml:"path"`
	Period      time.Duration `yaml:"period"`
	Decimals    int32         `yaml:"decimals"`
	StableAsset string        `yaml:"stable_asset"`
	StablePrice string        `yaml:"stable_price"`
	Assets      []string      `yaml:"assets"`
}

// AlertingConfig 描述告警输出。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Log        bool          `yaml:"log"`
}

// GuardianConfig 描述抵押品拍卖守护者。
type GuardianConfig struct {
	Name              string        `yaml:"name"`
	Network           string        `yaml:"network"`
	BidderAddress     string        `yaml:"bidder_address"`
	Signer            signer.Config `yaml:"signer"`
	Margin            float64       `yaml:"margin"`
	MaxPriceDeviation float64       `yaml:"max_price_deviation"`
	ExchangeFee       float64       `yaml:"exchange_fee"`
	Slippage          float64       `yaml:"slippage"`
	Tasks             []TaskConfig  `yaml:"tasks"`
}

// TaskConfig 描述一个任务及其输出要派发的动作。
type TaskConfig struct {
	ID      string           `yaml:"id"`
	Kind    string           `yaml:"kind"`
	Network string           `yaml:"network"`
	Args    map[string]any   `yaml:"args"`
	Actions []map[string]any `yaml:"actions"`
}

// overrides 收集可以由环境变量覆盖的配置项，主要是密钥与端点。
type overrides struct {
	LogLevel           string `env:"LOG_LEVEL"`
	LogFormat          string `env:"LOG_FORMAT"`
	APIAddress         string `env:"API_ADDRESS"`
	APIToken           string `env:"API_TOKEN"`
	RPCURL             string `env:"RPC_URL"`
	WSURL              string `env:"WS_URL"`
	JournalDriver      string `env:"JOURNAL_DRIVER"`
	JournalDSN         string `env:"JOURNAL_DSN"`
	EventBusDriver     string `env:"EVENT_BUS_DRIVER"`
	RedisAddress       string `env:"REDIS_ADDRESS"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	RabbitMQURL        string `env:"RABBITMQ_URL"`
	BidderAddress      string `env:"BIDDER_ADDRESS"`
	PrivateKey         string `env:"PRIVATE_KEY"`
	KeystoreFile       string `env:"KEYSTORE_FILE"`
	KeystorePassphrase string `env:"KEYSTORE_PASSPHRASE"`
	AlertWebhookURL    string `env:"ALERT_WEBHOOK_URL"`
}

// Load 解析指定路径的 YAML 配置文件，并应用环境变量覆盖。
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv 与 Load 相同，environ 为 nil 时读取进程环境变量。
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	var o overrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	cfg.apply(o)
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) apply(o overrides) {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&c.Log.Level, o.LogLevel)
	set(&c.Log.Format, o.LogFormat)
	set(&c.API.Address, o.APIAddress)
	set(&c.API.Token, o.APIToken)
	set(&c.Journal.Driver, o.JournalDriver)
	set(&c.Journal.DSN, o.JournalDSN)
	set(&c.EventBus.Driver, o.EventBusDriver)
	set(&c.EventBus.Redis.Address, o.RedisAddress)
	set(&c.EventBus.Redis.Password, o.RedisPassword)
	set(&c.EventBus.RabbitMQ.URL, o.RabbitMQURL)
	set(&c.Guardian.BidderAddress, o.BidderAddress)
	set(&c.Guardian.Signer.PrivateKey, o.PrivateKey)
	set(&c.Guardian.Signer.KeystoreFile, o.KeystoreFile)
	set(&c.Guardian.Signer.Passphrase, o.KeystorePassphrase)
	set(&c.Alerting.WebhookURL, o.AlertWebhookURL)

	// 端点覆盖只作用于守护者所在的网络。
	if o.RPCURL != "" || o.WSURL != "" {
		if c.Networks == nil {
			c.Networks = map[string]NetworkConfig{}
		}
		target := c.Guardian.Network
		if target == "" && len(c.Networks) == 1 {
			for name := range c.Networks {
				target = name
			}
		}
		n := c.Networks[target]
		set(&n.RPCURL, o.RPCURL)
		set(&n.WSURL, o.WSURL)
		c.Networks[target] = n
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.API.Address == "" {
		c.API.Address = ":8080"
	}

	for name, n := range c.Networks {
		if n.Type == "" {
			n.Type = "evm"
		}
		if n.CatalogFile != "" && !filepath.IsAbs(n.CatalogFile) {
			n.CatalogFile = filepath.Join(baseDir, n.CatalogFile)
		}
		if n.ReceiptPoll <= 0 {
			n.ReceiptPoll = 2 * time.Second
		}
		c.Networks[name] = n
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.MaxOpenConns <= 0 {
		c.Journal.MaxOpenConns = 10
	}
	if c.Journal.MaxIdleConns <= 0 {
		c.Journal.MaxIdleConns = 5
	}
	if c.Journal.ConnMaxLifetime <= 0 {
		c.Journal.ConnMaxLifetime = 30 * time.Minute
	}

	if c.EventBus.Driver == "" {
		c.EventBus.Driver = "memory"
	}
	if c.EventBus.BufferSize <= 0 {
		c.EventBus.BufferSize = 1024
	}
	if c.EventBus.Redis.Queue == "" {
		c.EventBus.Redis.Queue = "guardian:envelopes"
	}
	if c.EventBus.Redis.BlockWait <= 0 {
		c.EventBus.Redis.BlockWait = 5 * time.Second
	}
	if c.EventBus.RabbitMQ.Queue == "" {
		c.EventBus.RabbitMQ.Queue = "guardian.envelopes"
	}

	if c.Oracle.Path == "" {
		c.Oracle.Path = "oracle.getValue"
	}
	if c.Oracle.Period <= 0 {
		c.Oracle.Period = 10 * time.Second
	}
	if c.Oracle.Decimals <= 0 {
		c.Oracle.Decimals = 18
	}
	if c.Oracle.StablePrice == "" {
		c.Oracle.StablePrice = "1"
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	if c.Guardian.Name == "" {
		c.Guardian.Name = "collateral-auction"
	}
	if c.Guardian.Network == "" && len(c.Networks) == 1 {
		for name := range c.Networks {
			c.Guardian.Network = name
		}
	}
	if c.Guardian.Signer.KeystoreFile != "" && !filepath.IsAbs(c.Guardian.Signer.KeystoreFile) {
		c.Guardian.Signer.KeystoreFile = filepath.Join(baseDir, c.Guardian.Signer.KeystoreFile)
	}
	for i := range c.Guardian.Tasks {
		if c.Guardian.Tasks[i].Network == "" {
			c.Guardian.Tasks[i].Network = c.Guardian.Network
		}
		if c.Guardian.Tasks[i].ID == "" {
			c.Guardian.Tasks[i].ID = fmt.Sprintf("%s-%d", c.Guardian.Tasks[i].Kind, i)
		}
	}
}

// Validate 检查配置是否足以启动守护进程。
func (c *Config) Validate() error {
	var errs []error
	if len(c.Networks) == 0 {
		errs = append(errs, errors.New("至少需要配置一个网络"))
	}
	for name, n := range c.Networks {
		if n.Type != "evm" {
			errs = append(errs, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, n.Type))
		}
		if strings.TrimSpace(n.RPCURL) == "" {
			errs = append(errs, fmt.Errorf("网络 %s 缺少 rpc_url", name))
		}
	}
	if _, ok := c.Networks[c.Guardian.Network]; !ok {
		errs = append(errs, fmt.Errorf("守护者网络 %q 未在 networks 中配置", c.Guardian.Network))
	}

	switch c.Journal.Driver {
	case "memory":
	case "mysql":
		if c.Journal.DSN == "" {
			errs = append(errs, errors.New("journal.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的日志存储驱动 %s", c.Journal.Driver))
	}

	switch c.EventBus.Driver {
	case "memory":
	case "redis":
		if c.EventBus.Redis.Address == "" {
			errs = append(errs, errors.New("event_bus.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.EventBus.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("event_bus.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的事件总线驱动 %s", c.EventBus.Driver))
	}

	g := c.Guardian
	for field, v := range map[string]float64{
		"margin":              g.Margin,
		"max_price_deviation": g.MaxPriceDeviation,
		"exchange_fee":        g.ExchangeFee,
		"slippage":            g.Slippage,
	} {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("guardian.%s 必须位于 [0, 1) 区间", field))
		}
	}
	for _, t := range g.Tasks {
		if strings.TrimSpace(t.Kind) == "" {
			errs = append(errs, fmt.Errorf("任务 %s 缺少 kind", t.ID))
		}
		if _, ok := c.Networks[t.Network]; !ok {
			errs = append(errs, fmt.Errorf("任务 %s 的网络 %q 未配置", t.ID, t.Network))
		}
	}
	return errors.Join(errs...)
}
