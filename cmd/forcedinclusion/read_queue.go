package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/queue"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

func readQueue(c *cli.Context) error {
	rt, err := setup(c.Context, c)
	if err != nil {
		return err
	}
	defer rt.close()

	reader := queue.NewReader(rt.l1, rt.store, queue.Config{
		PageSize:    rt.cfg.PageSize,
		Concurrency: rt.cfg.ReadConcurrency,
	}, rt.log, rt.metrics)

	var snap *types.QueueSnapshot
	if c.IsSet("block") {
		snap, err = reader.ReadAt(c.Context, c.Uint64("block"))
	} else {
		snap, err = reader.Read(c.Context)
	}
	if err != nil {
		return ignoreCanceled(err)
	}
	return printSnapshot(os.Stdout, snap, c.Bool("json"))
}

func printSnapshot(w io.Writer, snap *types.QueueSnapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	if snap.Size() == 0 {
		_, err := fmt.Fprintf(w, "Forced inclusion queue is empty (block %d, head %d)\n", snap.Block, snap.Head)
		return err
	}
	if _, err := fmt.Fprintf(w, "Forced inclusion queue at block %d: %d pending (head %d, tail %d)\n\n",
		snap.Block, snap.Size(), snap.Head, snap.Tail); err != nil {
		return err
	}
	for _, e := range snap.Entries {
		if _, err := fmt.Fprintf(w, "Forced inclusion %d: %s\n\n", e.Index, formatEntry(&e)); err != nil {
			return err
		}
	}
	return nil
}

func formatEntry(e *types.QueueEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "blobs=%s offset=%d", formatHashes(e.BlobHashes), e.BlobOffset)
	if e.BlobByteSize > 0 {
		fmt.Fprintf(&b, " size=%d", e.BlobByteSize)
	}
	fmt.Fprintf(&b, " created=%d deadline=%d(%s) fee=%s", e.CreatedAt, e.Deadline, e.DeadlineUnit, e.FeePaid)
	if e.Submitter != (common.Address{}) {
		fmt.Fprintf(&b, " submitter=%s", e.Submitter)
	}
	return b.String()
}

func formatHashes(hs []common.Hash) string {
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = h.Hex()
	}
	return "[" + strings.Join(parts, ",") + "]"
}
