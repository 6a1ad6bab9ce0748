package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChainConfig 链上数据源配置
type ChainConfig struct {
	RPCURL      string `yaml:"rpc_url"`      // 以太坊 RPC 节点
	PairAddress string `yaml:"pair_address"` // UniswapV2 交易对合约地址
	PricedToken string `yaml:"priced_token"` // 被定价资产地址（决定用哪一侧累积价格）
}

// OracleConfig 预言机核心配置（构造期固定，运行期不可变）
type OracleConfig struct {
	Variant         string `yaml:"variant"`           // capped 或 rangebound
	MinTwapInterval uint32 `yaml:"min_twap_interval"` // TWAP 最小窗口（秒），默认 900
	MaxCeilingBps   uint64 `yaml:"max_ceiling_bps"`   // ceiling 调整带上界（基点）
	MinCeilingBps   uint64 `yaml:"min_ceiling_bps"`   // ceiling 调整带下界（基点）
	MaxFloorBps     uint64 `yaml:"max_floor_bps"`     // floor 调整带上界（基点，rangebound）
	MinFloorBps     uint64 `yaml:"min_floor_bps"`     // floor 调整带下界（基点，rangebound）
	Governance      string `yaml:"governance"`        // governance 地址
	Guardian        string `yaml:"guardian"`          // guardian 地址
}

// ReferenceConfig 外部参考预言机（rangebound 变体用于播种 ceiling/floor）
type ReferenceConfig struct {
	URL string `yaml:"url"` // 参考价 HTTP 接口
}

// KeeperConfig keeper 轮询配置
type KeeperConfig struct {
	PollInterval       int    `yaml:"poll_interval"`       // 轮询间隔（秒），默认 30
	MinPeriod          uint32 `yaml:"min_period"`          // workable 的额外时间下限（秒）
	DeviationThreshold string `yaml:"deviation_threshold"` // 偏离阈值（1e18 缩放的十进制字符串）
	SnapshotDir        string `yaml:"snapshot_dir"`        // 观测快照目录，默认 data
}

// ServerConfig 控制面与调试服务
type ServerConfig struct {
	Listen        string `yaml:"listen"`         // HTTP 监听地址，默认 :8080
	MetricsListen string `yaml:"metrics_listen"` // expvar/pprof 监听地址（可选）
}

// Config 应用配置
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Reference ReferenceConfig `yaml:"reference"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Server    ServerConfig    `yaml:"server"`

	AuditDB         string `yaml:"audit_db"`     // 审计事件 sqlite 文件，默认 data/audit.db
	SecretStorePath string `yaml:"secret_store"` // badger 密钥库目录（可选）

	LogLevel string `yaml:"log_level"` // 日志级别
	LogFile  string `yaml:"log_file"`  // 日志文件路径（可选）
}

var (
	globalConfig   *Config
	configFilePath string
)

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
	globalConfig = nil
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Load 加载配置（带缓存）
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := LoadFromFile(configFilePath)
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, fmt.Errorf("未设置配置文件路径")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败 %s: %w", filePath, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Oracle.Variant == "" {
		c.Oracle.Variant = "capped"
	}
	if c.Oracle.MinTwapInterval == 0 {
		c.Oracle.MinTwapInterval = 900
	}
	if c.Keeper.PollInterval <= 0 {
		c.Keeper.PollInterval = 30
	}
	if c.Keeper.DeviationThreshold == "" {
		c.Keeper.DeviationThreshold = "0"
	}
	if c.Keeper.SnapshotDir == "" {
		c.Keeper.SnapshotDir = "data"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.AuditDB == "" {
		c.AuditDB = "data/audit.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate 基本校验
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url 不能为空")
	}
	if c.Chain.PairAddress == "" {
		return fmt.Errorf("chain.pair_address 不能为空")
	}
	if c.Chain.PricedToken == "" {
		return fmt.Errorf("chain.priced_token 不能为空")
	}
	switch c.Oracle.Variant {
	case "capped":
	case "rangebound":
		if c.Reference.URL == "" {
			return fmt.Errorf("rangebound 变体需要 reference.url")
		}
	default:
		return fmt.Errorf("未知的 oracle.variant: %s", c.Oracle.Variant)
	}
	if c.Oracle.MaxCeilingBps < c.Oracle.MinCeilingBps {
		return fmt.Errorf("oracle.max_ceiling_bps 不能小于 min_ceiling_bps")
	}
	if c.Oracle.MaxFloorBps < c.Oracle.MinFloorBps {
		return fmt.Errorf("oracle.max_floor_bps 不能小于 min_floor_bps")
	}
	if c.Oracle.Governance == "" || c.Oracle.Guardian == "" {
		return fmt.Errorf("oracle.governance / oracle.guardian 不能为空")
	}
	return nil
}
