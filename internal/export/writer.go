package export

import (
	"context"
	"encoding/csv"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ledgerworks/export-service/constants"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/source"
)

// Writer serializes a range scan into an artifact. Rows flow chunk by chunk
// from the source straight into w; neither the result set nor the artifact is
// ever whole in memory.
type Writer struct {
	src          source.RowSource
	xlsxRowLimit int64
}

func NewWriter(src source.RowSource, xlsxRowLimit int64) *Writer {
	if xlsxRowLimit <= 0 {
		xlsxRowLimit = 1_000_000
	}
	return &Writer{src: src, xlsxRowLimit: xlsxRowLimit}
}

// WriteArtifact streams `[from, to]` of table into w in the given format and
// returns the row count (excluding the header).
func (wr *Writer) WriteArtifact(ctx context.Context, table string, from, to time.Time, format constants.ArtifactFormat, w io.Writer) (int64, error) {
	switch format {
	case constants.FormatCSV, "":
		return wr.writeCSV(ctx, table, from, to, w)
	case constants.FormatCSVGzip:
		gz := gzip.NewWriter(w)
		n, err := wr.writeCSV(ctx, table, from, to, gz)
		if err != nil {
			gz.Close()
			return n, err
		}
		return n, gz.Close()
	case constants.FormatXLSX:
		return wr.writeXLSX(ctx, table, from, to, w)
	default:
		return 0, common.ValidationErrorf("unsupported artifact format: %q", format)
	}
}

func (wr *Writer) writeCSV(ctx context.Context, table string, from, to time.Time, w io.Writer) (int64, error) {
	cw := csv.NewWriter(w)
	headerWritten := false

	count, err := wr.src.StreamRange(ctx, table, from, to, func(chunk source.Chunk) error {
		// Header comes from the first chunk's column set; later chunks of
		// the same scan share it (schema drift mid-export is unsupported).
		if !headerWritten {
			if err := cw.Write(chunk.Columns); err != nil {
				return common.WrapError(err, "write csv header")
			}
			headerWritten = true
		}
		for _, row := range chunk.Rows {
			if err := cw.Write(row); err != nil {
				return common.WrapError(err, "write csv row")
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return count, err
	}
	cw.Flush()
	return count, cw.Error()
}
