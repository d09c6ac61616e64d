// Package testutils wires a mocked ClickHouse connection into a Client.
package testutils

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client matches clickhouse.Client.
type Client interface {
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

// NewTestClient returns a Client over conn, typically a mocks.MockConn.
func NewTestClient(conn driver.Conn) Client {
	return &testClient{conn: conn}
}

type testClient struct {
	conn driver.Conn
}

func (c *testClient) Conn() driver.Conn { return c.conn }

func (c *testClient) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *testClient) Close() error { return c.conn.Close() }
