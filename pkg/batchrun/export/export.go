// Package export renders flushed outcome chunks to files.
//
// A chunk is one flush of an instance's results buffer. Chunk files are named
// deterministically from the instance id and chunk number, so re-writing a
// chunk after a crash replaces the partial file instead of adding a new one.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
)

// Chunk is one bounded batch of outcomes for one instance.
type Chunk struct {
	InstanceID int
	Number     int
	Steps      []string
	Outcomes   []outcome.Outcome
}

// Exporter writes chunks somewhere durable.
type Exporter interface {
	// Export writes c. Writing the same chunk number twice must replace
	// the earlier output.
	Export(ctx context.Context, c Chunk) error
}

// Encoder renders a chunk into a byte stream.
type Encoder interface {
	// Extension is the file extension including the dot (".csv").
	Extension() string
	// Encode writes the chunk to w.
	Encode(w io.Writer, c Chunk) error
}

// FileName returns the deterministic chunk file name:
// {prefix}_inst{instanceID}_chunk{number, 4-digit zero padded}{ext}
func FileName(prefix string, instanceID, number int, ext string) string {
	return fmt.Sprintf("%s_inst%d_chunk%04d%s", prefix, instanceID, number, ext)
}

// Header returns the column names for a chunk with the given steps.
func Header(steps []string) []string {
	cols := make([]string, 0, 3+2*len(steps))
	cols = append(cols, "item", "timestamp")
	for _, s := range steps {
		cols = append(cols, s+"_kind", s+"_msg")
	}
	return append(cols, "summary")
}

// Row returns the cell values for one outcome, aligned with Header(steps).
func Row(steps []string, o outcome.Outcome) []string {
	row := make([]string, 0, 3+2*len(steps))
	row = append(row, o.ItemID, o.Timestamp.UTC().Format(time.RFC3339))
	for _, s := range steps {
		if r, ok := o.Result(s); ok {
			row = append(row, r.Kind.String(), r.Message)
		} else {
			row = append(row, "", "")
		}
	}
	return append(row, o.Summary.String())
}

// DirExporter writes each chunk to its own file in Dir.
type DirExporter struct {
	Dir     string
	Prefix  string
	Encoder Encoder
}

// NewDirExporter creates an exporter writing files with enc into dir.
// A nil encoder selects CSV.
func NewDirExporter(dir, prefix string, enc Encoder) *DirExporter {
	if enc == nil {
		enc = CSVEncoder{}
	}
	if prefix == "" {
		prefix = "batchrun"
	}
	return &DirExporter{Dir: dir, Prefix: prefix, Encoder: enc}
}

// Path returns where chunk number of instanceID is written.
func (e *DirExporter) Path(instanceID, number int) string {
	return filepath.Join(e.Dir, FileName(e.Prefix, instanceID, number, e.Encoder.Extension()))
}

// Export implements Exporter. The file is written to a temporary name and
// renamed into place so readers never observe a partial chunk.
func (e *DirExporter) Export(ctx context.Context, c Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("export: ensure dir: %w", err)
	}

	final := e.Path(c.InstanceID, c.Number)
	tmp, err := os.CreateTemp(e.Dir, filepath.Base(final)+".*.tmp")
	if err != nil {
		return fmt.Errorf("export: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := e.Encoder.Encode(tmp, c); err != nil {
		tmp.Close()
		return fmt.Errorf("export: encode chunk %d: %w", c.Number, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("export: rename chunk %d: %w", c.Number, err)
	}
	return nil
}
