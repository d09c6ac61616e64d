// Package normalizer turns the raw store events of a slidingwindow.Source into
// an ordered, deduplicated log of QueueChanges.
//
// Changes of blocks within the confirmation depth are provisional. When such a
// block leaves the canonical chain, a single Reorged change retracts every
// change emitted for it and for the blocks above it, and the queue bounds roll
// back to their value before the block. Changes at or below the finalized
// height are never retracted; an event that would require it stops the
// normalizer with an InconsistentStateError.
package normalizer
