package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Client wraps the ClickHouse connection
type Client interface {
	// Conn returns the underlying ClickHouse connection
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

const defaultPingTimeout = 10 * time.Second

type client struct {
	conn driver.Conn
}

// New opens a connection and pings it. A failed ping closes the connection,
// so callers only ever hold a reachable client.
func New(ctx context.Context, cfg Config, sugar *zap.SugaredLogger) (Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("invalid clickhouse config: no hosts")
	}
	conn, err := clickhouse.Open(cfg.options(sugar))
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		logPingFailure(sugar, cfg.Hosts, err)
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %v: %w", cfg.Hosts, err)
	}
	return &client{conn: conn}, nil
}

func logPingFailure(sugar *zap.SugaredLogger, hosts []string, err error) {
	if sugar == nil {
		return
	}
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		sugar.Errorw("failed to ping ClickHouse", "hosts", hosts, "code", exception.Code, "message", exception.Message)
		return
	}
	sugar.Errorw("failed to ping ClickHouse", "hosts", hosts, "error", err)
}

func (c *client) Conn() driver.Conn {
	return c.conn
}

func (c *client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *client) Close() error {
	return c.conn.Close()
}
