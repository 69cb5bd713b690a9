// Package source reads the transactional store being exported. Access is
// strictly read-only: one ordered range scan per job, streamed in bounded
// chunks so memory use is independent of result size.
package source

import (
	"context"
	"time"
)

// Chunk is one bounded slice of the scan. Columns is identical for every
// chunk of a scan; rows hold one string cell per column.
type Chunk struct {
	Columns []string
	Rows    [][]string
}

// ChunkFunc receives each chunk in scan order. Returning an error aborts the
// scan and propagates the error unchanged.
type ChunkFunc func(chunk Chunk) error

// RowSource streams `[from, to]` ranges of a table ordered by creation time
// then primary key. The table name MUST already be validated against the
// identifier grammar; implementations splice it into SQL.
type RowSource interface {
	StreamRange(ctx context.Context, table string, from, to time.Time, fn ChunkFunc) (int64, error)
}
