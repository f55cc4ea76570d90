package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/ratelimit"
	"github.com/nao1215/bankgate/pkg/registry"
	"github.com/spf13/viper"
)

// EnvPrefix は設定を上書きする環境変数の接頭辞。
const EnvPrefix = "GATEWAY"

// Config はGateway全体の設定。
type Config struct {
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	RateLimit   RateLimitConfig `mapstructure:"ratelimit"`
	Registry    RegistryConfig  `mapstructure:"registry"`
	Routes      []RouteConfig   `mapstructure:"routes"       validate:"required,min=1,dive"`
	PublicPaths []string        `mapstructure:"public_paths" validate:"dive,startswith=/"`
	Proxy       ProxyConfig     `mapstructure:"proxy"`
	Store       StoreConfig     `mapstructure:"store"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Database    DatabaseConfig  `mapstructure:"database"`
	CORS        CORSConfig      `mapstructure:"cors"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"gte=1,lte=65535"`
	Mode            string        `mapstructure:"mode"             validate:"oneof=development production"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// AuthConfig はトークン発行と認証情報検証の設定。
type AuthConfig struct {
	Secret     string        `mapstructure:"secret"      validate:"required"`
	Issuer     string        `mapstructure:"issuer"      validate:"required"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"  validate:"gt=0"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl" validate:"gtefield=AccessTTL"`
	// Mode は local（sqliteの利用者表）か remote（外部認証サービス）。
	Mode      string `mapstructure:"mode"       validate:"oneof=local remote"`
	RemoteURL string `mapstructure:"remote_url" validate:"required_if=Mode remote,omitempty,url"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
	// Classes は種別ごとのウィンドウあたりの上限。未指定の種別は既定値を使う。
	Classes map[string]int `mapstructure:"classes" validate:"dive,gte=1"`
	// Rules はパスから種別を決める規則。先に一致したものを使う。
	Rules []RuleConfig `mapstructure:"rules" validate:"dive"`
}

// RuleConfig はパス接頭辞とメソッドから種別を決める1つの規則。
type RuleConfig struct {
	Prefix string `mapstructure:"prefix" validate:"required,startswith=/"`
	Method string `mapstructure:"method"`
	Class  string `mapstructure:"class"  validate:"required"`
}

// RegistryConfig はサービスレジストリの設定。
type RegistryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	MaxMissed         int           `mapstructure:"max_missed"         validate:"gte=1"`
	// Token は管理APIを保護する X-Registry-Token の値。空なら管理APIを公開しない。
	Token  string           `mapstructure:"token"`
	Static []InstanceConfig `mapstructure:"static" validate:"dive"`
}

// InstanceConfig は設定ファイルで固定登録するインスタンス。
type InstanceConfig struct {
	Service string `mapstructure:"service" validate:"required"`
	Scheme  string `mapstructure:"scheme"  validate:"omitempty,oneof=http https"`
	Host    string `mapstructure:"host"    validate:"required"`
	Port    int    `mapstructure:"port"    validate:"gte=1,lte=65535"`
}

// RouteConfig はパス接頭辞と転送先サービスの対応。
type RouteConfig struct {
	Prefix  string `mapstructure:"prefix"  validate:"required,startswith=/"`
	Service string `mapstructure:"service" validate:"required"`
}

// ProxyConfig は転送の設定。
type ProxyConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// StoreConfig は失効リストとレート制限の保存先。
type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory redis"`
}

// RedisConfig はRedisの接続設定。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

// DatabaseConfig はsqliteの設定。
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// CORSConfig はCORSの設定。
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load はpathのYAMLファイルと環境変数から設定を読み込む。
// pathが空の場合は ./configs/gateway.yaml または ./gateway.yaml を探し、無ければ既定値と環境変数のみを使う。
func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("gateway")
		vip.AddConfigPath("./configs")
		vip.AddConfigPath(".")
	}

	vip.SetConfigType("yaml")
	vip.SetEnvPrefix(EnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()
	setDefaults(vip)

	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: 設定ファイルの読み込みに失敗: %w", apierror.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: 設定の変換に失敗: %w", apierror.ErrConfiguration, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults はスカラー値の既定値を設定する。
// AutomaticEnvは既知のキーしか参照しないため、環境変数で上書きできるキーはすべてここで登録する。
func setDefaults(vip *viper.Viper) {
	vip.SetDefault("server.port", 8080)
	vip.SetDefault("server.mode", "development")
	vip.SetDefault("server.shutdown_timeout", "10s")

	vip.SetDefault("auth.secret", "")
	vip.SetDefault("auth.issuer", "bankgate")
	vip.SetDefault("auth.access_ttl", "1h")
	vip.SetDefault("auth.refresh_ttl", "24h")
	vip.SetDefault("auth.mode", "local")
	vip.SetDefault("auth.remote_url", "")

	vip.SetDefault("ratelimit.window", ratelimit.DefaultWindow.String())

	vip.SetDefault("registry.heartbeat_interval", registry.DefaultHeartbeatInterval.String())
	vip.SetDefault("registry.max_missed", registry.DefaultMaxMissed)
	vip.SetDefault("registry.token", "")

	vip.SetDefault("proxy.timeout", "5s")
	vip.SetDefault("store.backend", "memory")

	vip.SetDefault("redis.addr", "localhost:6379")
	vip.SetDefault("redis.password", "")
	vip.SetDefault("redis.db", 0)
	vip.SetDefault("redis.prefix", "bankgate:")

	vip.SetDefault("database.path", "bankgate.db")
}

// applyDefaults はスライスやマップの既定値を補う。
func (c *Config) applyDefaults() {
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	if c.PublicPaths == nil {
		c.PublicPaths = DefaultPublicPaths()
	}
	if len(c.RateLimit.Rules) == 0 {
		c.RateLimit.Rules = DefaultRules()
	}
}

// Validate は設定値を検証する。不正な場合は apierror.ErrConfiguration をラップして返す。
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", apierror.ErrConfiguration, err)
	}
	if c.Store.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("%w: store.backend=redis には redis.addr が必要です", apierror.ErrConfiguration)
	}
	table := c.RateLimit.Table()
	if err := table.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apierror.ErrConfiguration, err)
	}
	for _, r := range c.RateLimit.Rules {
		if _, ok := table[ratelimit.Class(r.Class)]; !ok {
			return fmt.Errorf("%w: 規則 %q の種別 %q は未定義です", apierror.ErrConfiguration, r.Prefix, r.Class)
		}
	}
	return nil
}

// Table は既定の制限表に設定値を重ねたレート制限表を返す。
func (c RateLimitConfig) Table() ratelimit.Table {
	window := c.Window
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	table := ratelimit.DefaultTable()
	for class, p := range table {
		p.Window = window
		table[class] = p
	}
	for name, limit := range c.Classes {
		table[ratelimit.Class(strings.ToLower(name))] = ratelimit.Policy{Limit: limit, Window: window}
	}
	return table
}

// BlacklistPrefix は失効リストのRedisキー接頭辞を返す。Prefixが空なら空文字を返し、パッケージの既定値に任せる。
func (c RedisConfig) BlacklistPrefix() string {
	return c.subPrefix("blacklist:")
}

// RateLimitPrefix はレート制限カウンタのRedisキー接頭辞を返す。
func (c RedisConfig) RateLimitPrefix() string {
	return c.subPrefix("ratelimit:")
}

func (c RedisConfig) subPrefix(name string) string {
	if c.Prefix == "" {
		return ""
	}
	return c.Prefix + name
}

// Instances は固定登録するインスタンスをレジストリの型に変換する。
func (c RegistryConfig) Instances() []registry.Instance {
	out := make([]registry.Instance, 0, len(c.Static))
	for _, s := range c.Static {
		out = append(out, registry.Instance{
			Service: s.Service,
			Scheme:  s.Scheme,
			Host:    s.Host,
			Port:    s.Port,
			Status:  registry.StatusPassing,
			Static:  true,
		})
	}
	return out
}

// DefaultRoutes は銀行プラットフォームの既定のルーティング表を返す。
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Prefix: "/api/auth", Service: "user-management"},
		{Prefix: "/api/accounts", Service: "account-management"},
		{Prefix: "/api/transactions", Service: "transaction-service"},
		{Prefix: "/api/loans", Service: "loan-management"},
		{Prefix: "/api/ai", Service: "ai-service"},
		{Prefix: "/api/compliance", Service: "compliance-service"},
	}
}

// DefaultPublicPaths は認証不要の既定のパスを返す。
func DefaultPublicPaths() []string {
	return []string{
		"/api/auth/register",
		"/api/auth/login",
		"/api/auth/refresh",
		"/health",
	}
}

// DefaultRules は既定の種別判定規則を返す。一致しないパスはメソッドで read/write に分類される。
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Prefix: "/api/auth", Class: string(ratelimit.ClassAuth)},
		{Prefix: "/api/ai", Class: string(ratelimit.ClassAI)},
	}
}
