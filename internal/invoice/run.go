package invoice

import (
	"time"

	"github.com/zombor/invoice-extractor/internal/batch"
	"github.com/zombor/invoice-extractor/internal/export"
)

// Run is one finished extraction batch
type Run struct {
	ID        string            `json:"id"`
	Status    batch.Status      `json:"status"`
	Notice    string            `json:"notice,omitempty"`
	Documents []DocumentOutcome `json:"documents"`
	Table     *export.Table     `json:"table"`

	// Workbook is the storage path of the xlsx, empty when nothing was
	// exported
	Workbook     string `json:"workbook,omitempty"`
	DownloadName string `json:"download_name,omitempty"`
	ExportError  string `json:"export_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentOutcome is the stored form of a batch.Outcome
type DocumentOutcome struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Rows     int    `json:"rows"`
	Model    string `json:"model,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newDocumentOutcome(o batch.Outcome) DocumentOutcome {
	d := DocumentOutcome{
		Name:     o.Document,
		State:    o.State.String(),
		Attempts: o.Attempts,
		Rows:     o.Rows,
		Model:    o.ModelName,
	}
	if o.Err != nil {
		d.Error = o.Err.Error()
	}
	return d
}
