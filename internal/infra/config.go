package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig описывает HTTP и gRPC входы.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) HTTPAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }
func (s ServerConfig) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// DatabaseConfig: memory означает работу без долговременного хранилища.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub отзывов).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: публичный RSA ключ для проверки JWT.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — настройки ядра и обвязки исполнителя.
type EngineConfig struct {
	JournalBufferSize    int           `mapstructure:"journal_buffer_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`
	JournalBatchSize     int           `mapstructure:"journal_batch_size"`
	JournalFlushAttempts uint          `mapstructure:"journal_flush_attempts"`
	JournalRetryDelay    time.Duration `mapstructure:"journal_retry_delay"`

	MaxAuthorityAge   time.Duration `mapstructure:"max_authority_age"` // 0: без срока
	TrustedRoots      []string      `mapstructure:"trusted_roots"`     // пусто: доверяем любому корню
	RevokedIssuers    []string      `mapstructure:"revoked_issuers"`   // стартовый список отзывов
	MaxChainDepth     int           `mapstructure:"max_chain_depth"`
	ScopeMatcher      string        `mapstructure:"scope_matcher"` // exact, hierarchical, cel
	RecheckDelegation bool          `mapstructure:"recheck_delegation"`
	ConnectorAddr     string        `mapstructure:"connector_addr"` // пусто: локальный коннектор

	// Circuit Breaker, таймаут и лимитер для исполнителя. Ретраев нет:
	// одно потребление AU дает одно обращение к исполнителю.
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. ENV перекрывает конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// PEM-ключ может прийти прямо в ENV (для Docker/K8s), иначе читаем файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Engine.MaxAuthorityAge < 0 {
		return fmt.Errorf("engine.max_authority_age must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("engine.journal_buffer_size", 10000)
	v.SetDefault("engine.journal_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.journal_batch_size", 100)
	v.SetDefault("engine.journal_flush_attempts", 5)
	v.SetDefault("engine.journal_retry_delay", 200*time.Millisecond)
	v.SetDefault("engine.scope_matcher", "exact")
	v.SetDefault("engine.max_chain_depth", 16)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_failures", 5)
	v.SetDefault("engine.call_timeout", 10*time.Second)
	v.SetDefault("engine.rate_limit", 100)
	v.SetDefault("engine.rate_burst", 20)
}

// loadKeyResource читает ключ из ENV или из файла
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (Base64 или PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
