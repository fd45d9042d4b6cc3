package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

// Format is a dataset file format.
type Format string

const (
	// FormatCSV writes comma separated values with a header row.
	FormatCSV Format = "csv"

	// FormatXLSX writes an Excel workbook with one sheet named after the dataset.
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatXLSX:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unsupported format %q (want csv or xlsx)", s)
	}
}

// Dataset names a table and its header. Label appears in file names and
// is the XLSX sheet name.
type Dataset struct {
	Label   string
	Columns []string
}

var (
	// Workflows holds one row per workflow run.
	Workflows = Dataset{Label: "Workflows", Columns: Columns}

	// Commits holds one row per run's head commit.
	Commits = Dataset{Label: "Commits", Columns: CommitColumns}
)

// WriteCSV writes the dataset header and rows to w.
func WriteCSV(w io.Writer, ds Dataset, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ds.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes the dataset header and rows to a workbook at path.
func WriteXLSX(path string, ds Dataset, rows []Row) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ds.Label); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(ds.Label)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	if err := sw.SetRow("A1", toCells(ds.Columns)); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, toCells(row)); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	return nil
}

func toCells(values []string) []any {
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}

// RepoFileName returns <owner>-<repo>-<label>.<ext>.
func RepoFileName(ds Dataset, owner, repo string, format Format) string {
	return fmt.Sprintf("%s-%s-%s.%s", owner, repo, ds.Label, format)
}

// CombinedFileName returns All-<label>.<ext>.
func CombinedFileName(ds Dataset, format Format) string {
	return fmt.Sprintf("All-%s.%s", ds.Label, format)
}

// SaveRepo writes one repository's rows into dir and returns the file path.
func SaveRepo(dir string, ds Dataset, owner, repo string, format Format, rows []Row) (string, error) {
	return save(dir, RepoFileName(ds, owner, repo, format), ds, format, rows)
}

// SaveCombined writes the rows of every repository into dir and returns
// the file path.
func SaveCombined(dir string, ds Dataset, format Format, rows []Row) (string, error) {
	return save(dir, CombinedFileName(ds, format), ds, format, rows)
}

func save(dir, name string, ds Dataset, format Format, rows []Row) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	path := filepath.Join(dir, name)

	switch format {
	case FormatXLSX:
		return path, WriteXLSX(path, ds, rows)
	case FormatCSV:
		f, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", name, err)
		}
		if err := WriteCSV(f, ds, rows); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}
