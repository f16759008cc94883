package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		// SLOW_THRESHOLD logs queries slower than this at warn; 0 disables.
		SlowThreshold  time.Duration `mapstructure:"SLOW_THRESHOLD"`
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
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Pyroscope struct {
		// ADDR empty disables continuous profiling.
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Ledger       LedgerConfig       `mapstructure:"LEDGER"`
	Distribution DistributionConfig `mapstructure:"DISTRIBUTION"`
	Risk         RiskConfig         `mapstructure:"RISK"`
	Audit        struct {
		// SINK is "log" or "minio".
		Sink   string `mapstructure:"SINK"`
		Bucket string `mapstructure:"BUCKET"`
	} `mapstructure:"AUDIT"`
	Otel struct {
		Enable      bool    `mapstructure:"ENABLE"`
		Endpoint    string  `mapstructure:"ENDPOINT"`
		Protocol    string  `mapstructure:"PROTOCOL"`
		Insecure    bool    `mapstructure:"INSECURE"`
		SampleRatio float64 `mapstructure:"SAMPLE_RATIO"`
	} `mapstructure:"OTEL"`
	Vault struct {
		Mount string `mapstructure:"MOUNT"`
	} `mapstructure:"VAULT"`
}

// LedgerConfig selects and parameterises the ledger backend. It is read once at startup.
type LedgerConfig struct {
	Backend           string        `mapstructure:"BACKEND"`
	FilePath          string        `mapstructure:"FILE_PATH"`
	Channel           string        `mapstructure:"CHANNEL"`
	Contract          string        `mapstructure:"CONTRACT"`
	ConnectionProfile string        `mapstructure:"CONNECTION_PROFILE"`
	WalletPath        string        `mapstructure:"WALLET_PATH"`
	Identity          string        `mapstructure:"IDENTITY"`
	Timeout           time.Duration `mapstructure:"TIMEOUT"`
	NodeID            int64         `mapstructure:"NODE_ID"`
}

type Split struct {
	Beneficiary string  `mapstructure:"BENEFICIARY" json:"beneficiary"`
	Percentage  float64 `mapstructure:"PERCENTAGE" json:"percentage"`
}

type DistributionConfig struct {
	Splits []Split `mapstructure:"SPLITS"`
}

type RiskRule struct {
	Name       string `mapstructure:"NAME"`
	Severity   string `mapstructure:"SEVERITY"`
	Score      int    `mapstructure:"SCORE"`
	Expression string `mapstructure:"EXPRESSION"`
	Message    string `mapstructure:"MESSAGE"`
}

type RiskConfig struct {
	Rules []RiskRule `mapstructure:"RULES"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "revledger")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.PATH", "revledger.db")
	v.SetDefault("DATABASE.SLOW_THRESHOLD", 200*time.Millisecond)
	v.SetDefault("LEDGER.BACKEND", "mock")
	v.SetDefault("LEDGER.FILE_PATH", "data/ledger.json")
	v.SetDefault("LEDGER.CHANNEL", "mychannel")
	v.SetDefault("LEDGER.CONTRACT", "revenue")
	v.SetDefault("LEDGER.IDENTITY", "appUser")
	v.SetDefault("LEDGER.TIMEOUT", 10*time.Second)
	v.SetDefault("LEDGER.NODE_ID", 1)
	v.SetDefault("AUDIT.SINK", "log")
	v.SetDefault("AUDIT.BUCKET", "revledger-audit")
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.SAMPLE_RATIO", 1.0)
	v.SetDefault("VAULT.MOUNT", "secret")
	v.SetDefault("DISTRIBUTION.SPLITS", []map[string]any{
		{"BENEFICIARY": "creator", "PERCENTAGE": 70},
		{"BENEFICIARY": "platform", "PERCENTAGE": 30},
	})
}

// Load reads config.yaml from the given search paths, then applies environment overrides.
// A missing file is not an error; defaults and env still apply.
func Load(paths ...string) (*Config, error) {
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
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if p.Vault != nil {
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := p.Vault.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath(cfg.Vault.Mount))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			return nil, err
		}
		zap.L().Info("Success Get Secret")

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
		cfg.Minio.SecretKey = get("minio_secret_key")
	}

	return cfg, nil
}
