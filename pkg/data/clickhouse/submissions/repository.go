// Package submissions records submission outcomes in ClickHouse.
package submissions

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/clickhouse"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/insert-outcome.sql
var insertOutcomeQuery string

// Key scopes outcomes to the submitting account and target store.
type Key struct {
	ChainID uint64
	Store   common.Address
	Account common.Address
}

type Repository interface {
	Initialize(ctx context.Context) error
	WriteOutcome(ctx context.Context, key Key, o types.SubmissionOutcome) error
}

type repository struct {
	client    clickhouse.Client
	cluster   string
	database  string
	tableName string
}

// NewRepository creates the table if needed. cluster may be empty.
func NewRepository(ctx context.Context, client clickhouse.Client, cluster, database, tableName string) (Repository, error) {
	repo := &repository{client: client, cluster: cluster, database: database, tableName: tableName}
	if err := repo.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to create submissions table: %w", err)
	}
	return repo, nil
}

func (r *repository) Initialize(ctx context.Context) error {
	onCluster := ""
	if r.cluster != "" {
		onCluster = " ON CLUSTER " + r.cluster
	}
	query := fmt.Sprintf(createTableQuery, r.database, r.tableName, onCluster)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create submissions table: %w", err)
	}
	return nil
}

// WriteOutcome inserts one row. Hashes and addresses are stored as raw bytes,
// the total fee as a decimal string for the UInt256 column.
func (r *repository) WriteOutcome(ctx context.Context, key Key, o types.SubmissionOutcome) error {
	totalFee := "0"
	if o.TotalFee != nil {
		totalFee = o.TotalFee.String()
	}
	query := fmt.Sprintf(insertOutcomeQuery, r.database, r.tableName)
	err := r.client.Conn().Exec(ctx, query,
		key.ChainID,
		string(key.Store.Bytes()),
		string(key.Account.Bytes()),
		o.Seq,
		o.Nonce,
		o.Status.String(),
		string(o.TxHash.Bytes()),
		string(o.PayloadHash.Bytes()),
		o.Attempts,
		totalFee,
		o.Block,
		o.ErrString(),
		o.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write submission outcome %d: %w", o.Seq, err)
	}
	return nil
}
