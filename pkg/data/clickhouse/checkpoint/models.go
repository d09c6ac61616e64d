package checkpoint

import "github.com/ethereum/go-ethereum/common"

// Checkpoint is the last finalized block a queue monitor emitted for one
// store on one chain. A restarted monitor resumes at LastFinalized+1.
// Timestamp (unix milliseconds) orders rewrites of the same key.
type Checkpoint struct {
	ChainID       uint64         `json:"chain_id"`
	Store         common.Address `json:"store"`
	LastFinalized uint64         `json:"last_finalized_block"`
	Timestamp     int64          `json:"timestamp"`
}
