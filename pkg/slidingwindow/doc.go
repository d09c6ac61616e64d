// Package slidingwindow tracks the unfinalized tip of the chain.
//
// Terminology
//   - Head: the highest canonical block observed.
//   - Finalized: the highest block with at least the configured number of
//     confirmations. Blocks in (Finalized..Head] may still be reorged.
//
// Main components
//   - Window: a contiguous run of blocks linked by parent hash, carrying a
//     caller payload per block. It can be extended at the top, truncated from
//     any height (reorg) and pruned from the bottom (finalization).
//   - HeadTracker: follows the canonical chain. When a new head does not
//     extend the known tip it walks back by parent hash until it meets a
//     known block and returns the whole replacement branch.
//   - Source: turns canonical blocks into RawEvents for the store: the
//     block's store logs ordered by log index, a queue head observation
//     when the store does not log consumption, then the block head itself.
//     In push mode it also forwards log subscription output, including
//     duplicates and removal notices.
//   - State: watermarks shared with the checkpointer, the watchdog and the
//     health endpoint.
package slidingwindow
