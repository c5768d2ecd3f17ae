package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// XLSXEncoder renders chunks as a single-sheet Excel workbook with the same
// columns as the CSV export.
type XLSXEncoder struct {
	// Sheet names the worksheet. Defaults to "Results".
	Sheet string
}

// Extension implements Encoder.
func (XLSXEncoder) Extension() string { return ".xlsx" }

// Encode implements Encoder.
func (e XLSXEncoder) Encode(w io.Writer, c Chunk) error {
	sheet := e.Sheet
	if sheet == "" {
		sheet = "Results"
	}

	f := excelize.NewFile()
	defer f.Close()

	// Rename the default sheet instead of leaving an empty one behind
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	write := func(row int, values []string) error {
		for i, v := range values {
			cell, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellStr(sheet, cell, v); err != nil {
				return err
			}
		}
		return nil
	}

	header := Header(c.Steps)
	if err := write(1, header); err != nil {
		return fmt.Errorf("xlsx header: %w", err)
	}
	for i, o := range c.Outcomes {
		if err := write(i+2, Row(c.Steps, o)); err != nil {
			return fmt.Errorf("xlsx row %d: %w", i+2, err)
		}
	}

	// Item ids are long; widen the first column
	_ = f.SetColWidth(sheet, "A", "A", 28)
	_ = f.SetColWidth(sheet, "B", "B", 22)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
