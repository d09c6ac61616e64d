package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/checkpointer"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/clickhouse"
)

// Repository persists monitor checkpoints in ClickHouse. It implements
// checkpointer.Checkpointer and adds deletion for operator resets.
type Repository interface {
	checkpointer.Checkpointer
	DeleteCheckpoints(ctx context.Context, chainID uint64, store common.Address) error
}

var _ Repository = (*repository)(nil)

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/write-checkpoint.sql
var writeCheckpointQuery string

//go:embed queries/read-checkpoint.sql
var readCheckpointQuery string

//go:embed queries/delete-checkpoints.sql
var deleteCheckpointsQuery string

type repository struct {
	client    clickhouse.Client
	cluster   string
	database  string
	tableName string
	now       func() time.Time
}

// NewRepository creates the table if needed. cluster may be empty.
func NewRepository(
	ctx context.Context,
	client clickhouse.Client,
	cluster, database, tableName string,
) (Repository, error) {
	repo := &repository{
		client:    client,
		cluster:   cluster,
		database:  database,
		tableName: tableName,
		now:       time.Now,
	}
	if err := repo.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return repo, nil
}

// Initialize ensures the checkpoints table exists.
// Schema:
//   - chain_id, store: sorting key, one row per monitored store after merges
//   - last_finalized_block: UInt64
//   - timestamp: Int64 version column of the ReplacingMergeTree
func (r *repository) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(createTableQuery, r.database, r.tableName, onCluster(r.cluster))
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

func (r *repository) Write(
	ctx context.Context,
	chainID uint64,
	store common.Address,
	lastFinalized uint64,
) error {
	cp := &Checkpoint{
		ChainID:       chainID,
		Store:         store,
		LastFinalized: lastFinalized,
		Timestamp:     r.now().UnixMilli(),
	}
	query := fmt.Sprintf(writeCheckpointQuery, r.database, r.tableName)
	err := r.client.Conn().
		Exec(ctx, query, cp.ChainID, string(cp.Store.Bytes()), cp.LastFinalized, cp.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (r *repository) Read(
	ctx context.Context,
	chainID uint64,
	store common.Address,
) (lastFinalized uint64, exists bool, err error) {
	var cp Checkpoint
	query := fmt.Sprintf(readCheckpointQuery, r.database, r.tableName)
	err = r.client.Conn().
		QueryRow(ctx, query, chainID, string(store.Bytes())).
		Scan(&cp.ChainID, &cp.LastFinalized, &cp.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return cp.LastFinalized, true, nil
}

func (r *repository) DeleteCheckpoints(ctx context.Context, chainID uint64, store common.Address) error {
	query := fmt.Sprintf(deleteCheckpointsQuery, r.database, r.tableName, onCluster(r.cluster))
	if err := r.client.Conn().Exec(ctx, query, chainID, string(store.Bytes())); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func onCluster(cluster string) string {
	if cluster == "" {
		return ""
	}
	return " ON CLUSTER " + cluster
}
