package export

import (
	"context"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/source"
)

const xlsxSheet = "Export"

// writeXLSX renders the range as a workbook. XLSX is offered for
// spreadsheet-sized extracts only; the row limit keeps the workbook inside
// Excel's own sheet bounds and caps the temp space the stream writer uses.
func (wr *Writer) writeXLSX(ctx context.Context, table string, from, to time.Time, w io.Writer) (int64, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(xlsxSheet); err != nil {
		return 0, common.WrapError(err, "create sheet")
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return 0, common.WrapError(err, "drop default sheet")
	}
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		return 0, common.WrapError(err, "open stream writer")
	}

	var (
		count         int64
		written       int64
		headerWritten bool
	)
	writeRow := func(rowIdx int64, cells []string) error {
		anchor, err := excelize.CoordinatesToCellName(1, int(rowIdx))
		if err != nil {
			return err
		}
		values := make([]any, len(cells))
		for i, c := range cells {
			values[i] = c
		}
		return sw.SetRow(anchor, values)
	}

	count, err = wr.src.StreamRange(ctx, table, from, to, func(chunk source.Chunk) error {
		if !headerWritten {
			if err := writeRow(1, chunk.Columns); err != nil {
				return common.WrapError(err, "write xlsx header")
			}
			headerWritten = true
		}
		for _, row := range chunk.Rows {
			if written >= wr.xlsxRowLimit {
				return common.ValidationErrorf(
					"result exceeds the %d row limit for xlsx, use csv", wr.xlsxRowLimit)
			}
			if err := writeRow(written+2, row); err != nil {
				return common.WrapError(err, "write xlsx row")
			}
			written++
		}
		return nil
	})
	if err != nil {
		return count, err
	}

	if err := sw.Flush(); err != nil {
		return count, common.WrapError(err, "flush xlsx")
	}
	if err := f.Write(w); err != nil {
		return count, common.WrapError(err, "write xlsx")
	}
	return count, nil
}
