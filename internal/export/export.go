// Package export writes the resolved alias/canonical mapping to a
// result artifact (CSV or XLSX) and stamps the producing job run's
// result_path once the run is terminal.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/store"
)

// columns is the fixed artifact layout.
var columns = []string{"alias_name", "canonical_name", "confidence", "source", "key_form"}

// Store is the slice of the persistence layer the exporter needs.
type Store interface {
	ListResolutions(ctx context.Context) ([]store.ResolutionRow, error)
	GetJob(ctx context.Context, id string) (*model.JobRun, error)
	SetJobResultPath(ctx context.Context, id string, path string) error
}

// Exporter writes result artifacts.
type Exporter struct {
	store Store
}

// New creates an Exporter.
func New(s Store) *Exporter {
	return &Exporter{store: s}
}

// Export writes all resolutions to path; the format follows the file
// extension (.xlsx gets a workbook, anything else CSV).
func (e *Exporter) Export(ctx context.Context, path string) (int, error) {
	rows, err := e.store.ListResolutions(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "export: list resolutions")
	}

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		err = writeXLSX(path, rows)
	} else {
		err = writeCSV(path, rows)
	}
	if err != nil {
		return 0, err
	}

	zap.L().Info("result artifact written",
		zap.String("component", "export"),
		zap.String("path", path),
		zap.Int("rows", len(rows)))
	return len(rows), nil
}

// ExportForJob writes the artifact and stamps result_path on the run.
// The run must already be terminal; result_path stays absent until then.
func (e *Exporter) ExportForJob(ctx context.Context, jobID, path string) (int, error) {
	run, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, eris.Wrapf(err, "export: load job %s", jobID)
	}
	if run == nil {
		return 0, eris.Wrapf(store.ErrNotFound, "export: job %s", jobID)
	}
	if !run.Status.Terminal() {
		return 0, eris.Errorf("export: job %s is still %s", jobID, run.Status)
	}

	n, err := e.Export(ctx, path)
	if err != nil {
		return 0, err
	}
	if err := e.store.SetJobResultPath(ctx, jobID, path); err != nil {
		return n, eris.Wrapf(err, "export: stamp result_path on %s", jobID)
	}
	return n, nil
}

func writeCSV(path string, rows []store.ResolutionRow) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		f.Close()
		return eris.Wrap(err, "export: write header")
	}
	for _, r := range rows {
		rec := []string{
			r.AliasName,
			r.CanonicalName,
			fmt.Sprintf("%.4f", r.Confidence),
			r.Source,
			r.KeyForm,
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return eris.Wrap(err, "export: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return eris.Wrap(err, "export: flush")
	}
	return eris.Wrap(f.Close(), "export: close")
}

func writeXLSX(path string, rows []store.ResolutionRow) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("resolutions")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range columns {
		header.AddCell().SetString(col)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetString(r.AliasName)
		row.AddCell().SetString(r.CanonicalName)
		row.AddCell().SetFloat(r.Confidence)
		row.AddCell().SetString(r.Source)
		row.AddCell().SetString(r.KeyForm)
	}

	return eris.Wrapf(f.Save(path), "export: save %s", path)
}
