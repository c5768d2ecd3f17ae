package export

import (
	"encoding/csv"
	"io"
)

// utf8BOM makes spreadsheet tools detect the encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVEncoder renders chunks as UTF-8 CSV with a byte-order mark.
type CSVEncoder struct{}

// Extension implements Encoder.
func (CSVEncoder) Extension() string { return ".csv" }

// Encode implements Encoder. Fields containing separators, quotes or
// newlines are quoted, with embedded quotes doubled.
func (CSVEncoder) Encode(w io.Writer, c Chunk) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(c.Steps)); err != nil {
		return err
	}
	for _, o := range c.Outcomes {
		if err := cw.Write(Row(c.Steps, o)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
