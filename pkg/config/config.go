package config

import (
	"errors"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	Timezone   string `mapstructure:"TIMEZONE"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
		CorsOrigins  []string      `mapstructure:"CORS_ORIGINS"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Path           string `mapstructure:"PATH"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Firebase struct {
		ProjectID       string `mapstructure:"PROJECT_ID"`
		CredentialsFile string `mapstructure:"CREDENTIALS_FILE"`
	} `mapstructure:"FIREBASE"`
	Sync struct {
		Interval      time.Duration `mapstructure:"INTERVAL"`
		BatchSize     int           `mapstructure:"BATCH_SIZE"`
		MaxRetries    int           `mapstructure:"MAX_RETRIES"`
		BaseBackoff   time.Duration `mapstructure:"BASE_BACKOFF"`
		MaxBackoff    time.Duration `mapstructure:"MAX_BACKOFF"`
		RemoteTimeout time.Duration `mapstructure:"REMOTE_TIMEOUT"`
		ProbeInterval time.Duration `mapstructure:"PROBE_INTERVAL"`
		LockBackend   string        `mapstructure:"LOCK_BACKEND"`
		LockTTL       time.Duration `mapstructure:"LOCK_TTL"`
	} `mapstructure:"SYNC"`
	Redemption struct {
		MinimumPoints int64         `mapstructure:"MINIMUM_POINTS"`
		PendingTTL    time.Duration `mapstructure:"PENDING_TTL"`
	} `mapstructure:"REDEMPTION"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "rewards-core")
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.PATH", "rewards.db")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 2)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("SYNC.INTERVAL", time.Minute)
	v.SetDefault("SYNC.BATCH_SIZE", 50)
	v.SetDefault("SYNC.MAX_RETRIES", 5)
	v.SetDefault("SYNC.BASE_BACKOFF", 2*time.Second)
	v.SetDefault("SYNC.MAX_BACKOFF", 10*time.Minute)
	v.SetDefault("SYNC.REMOTE_TIMEOUT", 15*time.Second)
	v.SetDefault("SYNC.PROBE_INTERVAL", 30*time.Second)
	v.SetDefault("SYNC.LOCK_BACKEND", "memory")
	v.SetDefault("SYNC.LOCK_TTL", time.Minute)
	v.SetDefault("REDEMPTION.MINIMUM_POINTS", 100)
	v.SetDefault("REDEMPTION.PENDING_TTL", 7*24*time.Hour)
}

// Load reads config.yaml from the working directory (optional) and environment
// overrides. A .env file is loaded first when present.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}

// Location resolves the TIMEZONE setting used for day boundaries.
func (c *Config) Location() *time.Location {
	if c == nil || c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		zap.L().Warn("unknown timezone, falling back to local", zap.String("timezone", c.Timezone), zap.Error(err))
		return time.Local
	}
	return loc
}
