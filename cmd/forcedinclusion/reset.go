package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

func resetCheckpoint(c *cli.Context) error {
	ctx := c.Context
	rt, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.ClickHouse == nil {
		return fmt.Errorf("%w: clickhouse hosts are required to reset a checkpoint", types.ErrInvalidConfig)
	}
	chClient, err := rt.openClickHouse(ctx)
	if err != nil {
		return err
	}
	repo, err := rt.checkpoints(ctx, chClient)
	if err != nil {
		return err
	}

	chainID := rt.chainID.Uint64()
	if err := repo.DeleteCheckpoints(ctx, chainID, rt.store.Address()); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	rt.log.Infof("checkpoints successfully removed for chain ID %d, store %s", chainID, rt.store.Address())
	return nil
}
