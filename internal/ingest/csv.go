// Package ingest parses observation batches from CSV input.
package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedup-cli/internal/model"
)

// CSVOptions configures observation parsing.
type CSVOptions struct {
	// NameColumn is the header of the raw-name column. Default "name";
	// headerless single-column files are also accepted.
	NameColumn string
	// SourceColumn is the header of the optional provenance column.
	// Default "source".
	SourceColumn string
	// DefaultSource tags rows whose source cell is empty.
	DefaultSource string
}

// ReadObservations parses CSV rows into observations. The first row is
// treated as a header when it names the configured columns; otherwise
// every row's first cell is taken as the raw name. Blank names are kept
// so the resolver can count them as invalid input.
func ReadObservations(r io.Reader, opts CSVOptions) ([]model.Observation, error) {
	if opts.NameColumn == "" {
		opts.NameColumn = "name"
	}
	if opts.SourceColumn == "" {
		opts.SourceColumn = "source"
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv")
	}
	if len(rows) == 0 {
		return nil, eris.New("ingest: empty input")
	}

	nameIdx, sourceIdx, hasHeader := locateColumns(rows[0], opts)
	if hasHeader {
		rows = rows[1:]
	}

	var out []model.Observation
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		obs := model.Observation{Source: opts.DefaultSource}
		if nameIdx < len(row) {
			obs.RawName = strings.TrimSpace(row[nameIdx])
		}
		if sourceIdx >= 0 && sourceIdx < len(row) && strings.TrimSpace(row[sourceIdx]) != "" {
			obs.Source = strings.TrimSpace(row[sourceIdx])
		}
		out = append(out, obs)
	}
	if len(out) == 0 {
		return nil, eris.New("ingest: no observations in input")
	}
	return out, nil
}

// ReadObservationsFile is ReadObservations over a file path.
func ReadObservationsFile(path string, opts CSVOptions) ([]model.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close()
	return ReadObservations(f, opts)
}

// locateColumns decides whether the first row is a header and which
// columns carry the name and source.
func locateColumns(first []string, opts CSVOptions) (nameIdx, sourceIdx int, hasHeader bool) {
	nameIdx = 0
	sourceIdx = -1
	for i, cell := range first {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case strings.ToLower(opts.NameColumn):
			nameIdx = i
			hasHeader = true
		case strings.ToLower(opts.SourceColumn):
			sourceIdx = i
			hasHeader = true
		}
	}
	return nameIdx, sourceIdx, hasHeader
}
