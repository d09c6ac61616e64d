package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Config holds the ClickHouse connection settings. Every field can be set
// from the environment.
// MaxBlockSize is the recommended maximum number of rows per processing
// block, see https://clickhouse.com/docs/operations/settings/settings
type Config struct {
	Hosts                []string `env:"CLICKHOUSE_HOSTS" envSeparator:"," envDefault:"localhost:9000"`
	Database             string   `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	Username             string   `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password             string   `env:"CLICKHOUSE_PASSWORD" envDefault:""`
	Cluster              string   `env:"CLICKHOUSE_CLUSTER" envDefault:""`
	Debug                bool     `env:"CLICKHOUSE_DEBUG" envDefault:"false"`
	InsecureSkipVerify   bool     `env:"CLICKHOUSE_INSECURE_SKIP_VERIFY" envDefault:"true"`
	MaxExecutionTime     int      `env:"CLICKHOUSE_MAX_EXECUTION_TIME" envDefault:"60"` // seconds
	DialTimeout          int      `env:"CLICKHOUSE_DIAL_TIMEOUT" envDefault:"30"`       // seconds
	MaxOpenConns         int      `env:"CLICKHOUSE_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns         int      `env:"CLICKHOUSE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime      int      `env:"CLICKHOUSE_CONN_MAX_LIFETIME" envDefault:"10"` // minutes
	BlockBufferSize      int      `env:"CLICKHOUSE_BLOCK_BUFFER_SIZE" envDefault:"10"`
	MaxBlockSize         int      `env:"CLICKHOUSE_MAX_BLOCK_SIZE" envDefault:"1000"`
	MaxCompressionBuffer int      `env:"CLICKHOUSE_MAX_COMPRESSION_BUFFER" envDefault:"10240"` // bytes
	ClientName           string   `env:"CLICKHOUSE_CLIENT_NAME" envDefault:"forced-inclusion-toolbox"`
	ClientVersion        string   `env:"CLICKHOUSE_CLIENT_VERSION" envDefault:"1.0"`
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse clickhouse config: %w", err)
	}
	return cfg, nil
}

func (c Config) options(sugar *zap.SugaredLogger) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{Database: c.Database, Username: c.Username, Password: c.Password},
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		Settings: clickhouse.Settings{
			"max_execution_time": c.MaxExecutionTime,
			"max_block_size":     c.MaxBlockSize,
		},
		Compression:          &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:          time.Duration(c.DialTimeout) * time.Second,
		MaxOpenConns:         c.MaxOpenConns,
		MaxIdleConns:         c.MaxIdleConns,
		ConnMaxLifetime:      time.Duration(c.ConnMaxLifetime) * time.Minute,
		ConnOpenStrategy:     clickhouse.ConnOpenInOrder,
		BlockBufferSize:      uint8(c.BlockBufferSize),
		MaxCompressionBuffer: c.MaxCompressionBuffer,
		//nolint:gosec // skipping verification is opt-in through CLICKHOUSE_INSECURE_SKIP_VERIFY
		TLS: &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify},
	}
	opts.ClientInfo.Products = append(opts.ClientInfo.Products, struct {
		Name    string
		Version string
	}{Name: c.ClientName, Version: c.ClientVersion})
	if c.Debug && sugar != nil {
		opts.Debugf = sugar.Debugf
	}
	return opts
}
