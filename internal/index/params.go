// Package index owns the serving-index lifecycle: parameter selection,
// offline build, validation, and the atomic flip of the active index
// pointer. Queries resolve the pointer on every call, so a flip is
// visible immediately and readers never see a half-built index.
package index

import (
	"math"

	"github.com/localdb-dev/localdb/internal/store"
)

// Partition count bounds. The lower bound keeps recall stable on
// mid-sized corpora; the upper bound caps training cost.
const (
	MinPartitions = 2048
	MaxPartitions = 65536
)

// ComputeParams derives training parameters from corpus size and
// embedding dimension alone. Partition count grows with 2*sqrt(n),
// clamped to [MinPartitions, MaxPartitions] and then to at most
// totalReady-1 so training stays well-posed on small corpora.
// Sub-vector count is dim/32 when the dimension is a multiple of 32,
// dim/16 otherwise; code width is fixed at 8 bits.
func ComputeParams(totalReady, dim int) store.IVFPQParams {
	partitions := 2 * int(math.Sqrt(float64(totalReady)))
	if partitions < MinPartitions {
		partitions = MinPartitions
	}
	if partitions > MaxPartitions {
		partitions = MaxPartitions
	}
	if totalReady > 1 {
		if partitions > totalReady-1 {
			partitions = totalReady - 1
		}
	} else {
		partitions = 1
	}

	subVectors := dim / 16
	if dim%32 == 0 {
		subVectors = dim / 32
	}

	return store.IVFPQParams{
		Partitions: partitions,
		SubVectors: subVectors,
		Bits:       8,
	}
}
