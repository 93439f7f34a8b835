package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

// SheetName is the only sheet of every workbook
const SheetName = "InvoiceData"

// ContentType is the MIME type of the workbook
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ErrExport marks a failure to serialize the workbook
var ErrExport = errors.New("export failed")

var columnWidths = []struct {
	start, end string
	width      float64
}{
	{"A", "A", 28}, // source file
	{"B", "D", 16}, // document numbers
	{"E", "E", 48}, // product
	{"F", "I", 14}, // unit and amounts
}

// Table is the display form of a batch result
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// BuildTable aligns every record to the canonical columns
func BuildTable(records []extraction.FlatRecord) *Table {
	t := &Table{
		Columns: append([]string(nil), extraction.Columns...),
		Rows:    make([][]string, 0, len(records)),
	}
	for _, r := range records {
		t.Rows = append(t.Rows, r.Strings())
	}
	return t
}

// Export returns the display table and the xlsx bytes for records
func Export(records []extraction.FlatRecord) (*Table, []byte, error) {
	table := BuildTable(records)
	data, err := Workbook(records)
	if err != nil {
		return table, nil, err
	}
	return table, data, nil
}

// Workbook serializes records to a single-sheet xlsx with a header row
func Workbook(records []extraction.FlatRecord) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("%w: naming sheet: %v", ErrExport, err)
	}

	header := make([]any, len(extraction.Columns))
	for i, c := range extraction.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("%w: writing header: %v", ErrExport, err)
	}

	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExport, err)
		}
		values := r.Values()
		row := make([]any, len(values))
		for j, v := range values {
			row[j] = cellValue(v)
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("%w: writing row %d: %v", ErrExport, i+1, err)
		}
	}

	for _, w := range columnWidths {
		if err := f.SetColWidth(SheetName, w.start, w.end, w.width); err != nil {
			return nil, fmt.Errorf("%w: setting width of %s:%s: %v", ErrExport, w.start, w.end, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: xlsx write: %v", ErrExport, err)
	}

	slog.Info("Workbook exported",
		"rows", len(records),
		"bytes", buf.Len(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// cellValue writes numbers as numbers and everything else as text
func cellValue(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return f
		}
	}
	return extraction.FormatValue(v)
}

// ReadWorkbook parses a workbook written by Workbook back into a Table
func ReadWorkbook(data []byte) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return nil, fmt.Errorf("reading sheet: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("workbook has no header row")
	}

	return &Table{Columns: rows[0], Rows: rows[1:]}, nil
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// sanitizeName keeps alphanumerics, spaces, hyphens and underscores and
// truncates to 50 characters
func sanitizeName(name string) string {
	name = unsafeChars.ReplaceAllString(name, "")
	name = spaceRuns.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

// Filename names the download. A batch whose rows all share one invoice
// number embeds it; anything else gets a generic name.
func Filename(records []extraction.FlatRecord) string {
	invoice := ""
	for i, r := range records {
		no := extraction.FormatValue(r.Get(extraction.ColumnInvoiceNo))
		if i == 0 {
			invoice = no
			continue
		}
		if no != invoice {
			return "Invoices.xlsx"
		}
	}

	if invoice == extraction.Sentinel {
		return "Invoices.xlsx"
	}
	invoice = sanitizeName(invoice)
	if invoice == "" {
		return "Invoices.xlsx"
	}
	return fmt.Sprintf("Invoice_%s.xlsx", strings.ReplaceAll(invoice, " ", "_"))
}
