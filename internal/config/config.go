package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (MAILPIPE_EMAIL_SMTP_HOST).
const EnvPrefix = "MAILPIPE"

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Email    EmailConfig    `mapstructure:"email"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	LockPrefix string        `mapstructure:"lock_prefix"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

type LoggingConfig struct {
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SMTPConfig describes the outbound transfer endpoint.
type SMTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	AuthType       string        `mapstructure:"auth_type"`
	Security       string        `mapstructure:"security"`
	SkipVerify     bool          `mapstructure:"skip_verify"`
	HelloName      string        `mapstructure:"hello_name"`
	PoolSize       int           `mapstructure:"pool_size"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// MailboxConfig describes the mailbox polled for inbound replies.
type MailboxConfig struct {
	Type             string        `mapstructure:"type"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	Security         string        `mapstructure:"security"`
	Folder           string        `mapstructure:"folder"`
	DeleteAfterFetch bool          `mapstructure:"delete_after_fetch"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`

	// FilterAutoResponses drops vacation replies and bounces during sync.
	FilterAutoResponses bool `mapstructure:"filter_auto_responses"`
}

// BackoffConfig selects the retry delay policy.
type BackoffConfig struct {
	Strategy string        `mapstructure:"strategy"`
	Window   time.Duration `mapstructure:"window"`
	Factor   float64       `mapstructure:"factor"`
	Max      time.Duration `mapstructure:"max"`
}

// QueueConfig controls dispatcher throughput and retry behavior.
type QueueConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	RetryLimit  int           `mapstructure:"retry_limit"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type EmailConfig struct {
	From     string        `mapstructure:"from"`
	FromName string        `mapstructure:"from_name"`
	SMTP     SMTPConfig    `mapstructure:"smtp"`
	Mailbox  MailboxConfig `mapstructure:"mailbox"`
	Queue    QueueConfig   `mapstructure:"queue"`
}

// ScheduleConfig holds cron expressions and wall-clock budgets for each job.
type ScheduleConfig struct {
	Dispatch         string        `mapstructure:"dispatch"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"`
	InboxSync        string        `mapstructure:"inbox_sync"`
	InboxSyncTimeout time.Duration `mapstructure:"inbox_sync_timeout"`
	RunOnStartup     bool          `mapstructure:"run_on_startup"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mailpipe")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "mailpipe.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.lock_prefix", "mailpipe:lock:")
	v.SetDefault("redis.lock_ttl", 5*time.Minute)

	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("email.from", "noreply@localhost")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.auth_type", "plain")
	v.SetDefault("email.smtp.hello_name", "localhost")
	v.SetDefault("email.smtp.pool_size", 4)
	v.SetDefault("email.smtp.dial_timeout", 10*time.Second)
	v.SetDefault("email.smtp.command_timeout", 30*time.Second)

	v.SetDefault("email.mailbox.type", "imap")
	v.SetDefault("email.mailbox.security", "tls")
	v.SetDefault("email.mailbox.folder", "INBOX")
	v.SetDefault("email.mailbox.dial_timeout", 10*time.Second)
	v.SetDefault("email.mailbox.filter_auto_responses", true)

	v.SetDefault("email.queue.batch_size", 20)
	v.SetDefault("email.queue.retry_limit", 3)
	v.SetDefault("email.queue.backoff.strategy", "constant")
	v.SetDefault("email.queue.backoff.window", 5*time.Minute)
	v.SetDefault("email.queue.backoff.factor", 2.0)
	v.SetDefault("email.queue.backoff.max", 6*time.Hour)
	v.SetDefault("email.queue.lease_ttl", 5*time.Minute)
	v.SetDefault("email.queue.send_timeout", 30*time.Second)

	v.SetDefault("schedule.dispatch", "@every 1m")
	v.SetDefault("schedule.dispatch_timeout", 50*time.Second)
	v.SetDefault("schedule.inbox_sync", "@every 5m")
	v.SetDefault("schedule.inbox_sync_timeout", 2*time.Minute)
}

// Default returns the configuration produced by the built-in defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return c
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("yaml")

	// Optional .env next to the config directory feeds the env overrides below.
	if err := godotenv.Load(filepath.Join(configPath, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v.SetConfigName("default")
	v.AddConfigPath(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read default config: %w", err)
		}
	}

	// Load environment-specific config (optional)
	v.SetConfigName("config")
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Read builds a configuration from configPath without touching the global instance.
func Read(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c, nil
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		var v *viper.Viper
		v, err = newViper(configPath)
		if err != nil {
			return
		}

		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()

		if v.ConfigFileUsed() == "" {
			return
		}

		// Watch for config changes
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			fmt.Printf("Config file changed: %s\n", e.Name)

			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config: %v\n", err)
				return
			}
			if err := newCfg.Validate(); err != nil {
				fmt.Printf("Rejected reloaded config: %v\n", err)
				return
			}

			mu.Lock()
			cfg = newCfg
			mu.Unlock()
			fmt.Println("Configuration reloaded successfully")
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	cfg = loaded
	return nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}

// GetDSN returns the driver-specific connection string.
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name)
	default:
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", c.Path)
	}
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// HasCredentials reports whether outbound delivery can authenticate.
// Without credentials the transfer client runs in simulation mode.
func (c *SMTPConfig) HasCredentials() bool {
	return strings.TrimSpace(c.Host) != "" && c.User != "" && c.Password != ""
}

// EffectiveSecurity resolves the transport security mode, inferring it from
// the well-known submission ports when unset.
func (c *SMTPConfig) EffectiveSecurity() string {
	switch strings.ToLower(strings.TrimSpace(c.Security)) {
	case "tls", "smtps", "ssl":
		return "tls"
	case "starttls":
		return "starttls"
	case "none", "plain":
		return "none"
	}
	switch c.Port {
	case 465:
		return "tls"
	case 587:
		return "starttls"
	default:
		return "none"
	}
}

// HasCredentials reports whether the mailbox can be polled at all.
func (c *MailboxConfig) HasCredentials() bool {
	return strings.TrimSpace(c.Host) != "" && c.User != "" && c.Password != ""
}

// AccountType folds the protocol and security mode into a connector type
// such as "imaps" or "pop3".
func (c *MailboxConfig) AccountType() string {
	proto := strings.ToLower(strings.TrimSpace(c.Type))
	if proto == "" {
		proto = "imap"
	}
	proto = strings.TrimSuffix(proto, "s")
	if proto == "pop" {
		proto = "pop3"
	}
	switch strings.ToLower(strings.TrimSpace(c.Security)) {
	case "tls", "ssl":
		return proto + "s"
	}
	return proto
}
