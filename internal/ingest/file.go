// Package ingest turns batch files and HTTP payloads from the ingestion
// collaborator into normalized runs.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/adlineage/internal/normalize"
)

// ErrUnsupportedFormat is returned when a batch file is not CSV or XLSX.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var (
	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05.000000",
		"2006/01/02",
		"01/02/2006",
	}
)

// Reserved column names. Every other column in a snapshot file becomes a
// tracked attribute; every other column in a fact file becomes a metric.
const (
	columnSourceID    = "source_id"
	columnAccountID   = "account_id"
	columnEntityID    = "entity_id"
	columnEffectiveAt = "effective_timestamp"
	columnDate        = "date"
	columnWindowDays  = "attribution_window_days"
)

type tableData struct {
	headers []string
	rows    [][]string
}

// LoadSnapshotFile parses a CSV or XLSX snapshot batch. Rows with an
// unparseable effective timestamp are rejected individually; key validation
// is left to the source normalizer.
func LoadSnapshotFile(fileName string, payload []byte) ([]normalize.RawSnapshotRow, []normalize.RowError, error) {
	table, err := parseTable(fileName, payload)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]normalize.RawSnapshotRow, 0, len(table.rows))
	var rejected []normalize.RowError

	for i, record := range table.rows {
		row := normalize.RawSnapshotRow{Attributes: map[string]string{}}
		var badTimestamp error

		for col, header := range table.headers {
			value := strings.TrimSpace(cell(record, col))
			switch header {
			case columnSourceID:
				row.SourceID = value
			case columnAccountID:
				row.AccountID = value
			case columnEntityID:
				row.EntityID = value
			case columnEffectiveAt:
				if value == "" {
					continue
				}
				ts, err := parseTimestamp(value)
				if err != nil {
					badTimestamp = fmt.Errorf("column %s: %w", header, err)
					continue
				}
				row.EffectiveAt = ts
			default:
				row.Attributes[header] = value
			}
		}

		if badTimestamp != nil {
			rejected = append(rejected, normalize.RowError{Row: i, Err: badTimestamp})
			continue
		}
		rows = append(rows, row)
	}

	return rows, rejected, nil
}

// LoadFactFile parses a CSV or XLSX metric batch. Rows with an unparseable
// date or metric value are rejected individually.
func LoadFactFile(fileName string, payload []byte) ([]normalize.RawMetricRow, []normalize.RowError, error) {
	table, err := parseTable(fileName, payload)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]normalize.RawMetricRow, 0, len(table.rows))
	var rejected []normalize.RowError

	for i, record := range table.rows {
		row := normalize.RawMetricRow{Metrics: map[string]float64{}}
		var badValue error

		for col, header := range table.headers {
			value := strings.TrimSpace(cell(record, col))
			switch header {
			case columnSourceID:
				row.SourceID = value
			case columnAccountID:
				row.AccountID = value
			case columnEntityID:
				row.EntityID = value
			case columnDate:
				if value == "" {
					continue
				}
				ts, err := parseTimestamp(value)
				if err != nil {
					badValue = fmt.Errorf("column %s: %w", header, err)
					continue
				}
				row.Date = ts
			case columnWindowDays:
				if value == "" {
					continue
				}
				days, err := strconv.Atoi(value)
				if err != nil {
					badValue = fmt.Errorf("column %s: %w", header, err)
					continue
				}
				row.NativeWindowDays = days
			default:
				if value == "" {
					continue
				}
				metric, err := strconv.ParseFloat(value, 64)
				if err != nil {
					badValue = fmt.Errorf("column %s: unable to parse %q as number", header, value)
					continue
				}
				row.Metrics[header] = metric
			}
		}

		if badValue != nil {
			rejected = append(rejected, normalize.RowError{Row: i, Err: badValue})
			continue
		}
		rows = append(rows, row)
	}

	return rows, rejected, nil
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}

	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	return normalizeTable(records)
}

// normalizeTable takes the first non-empty row as the header and drops empty
// data rows.
func normalizeTable(records [][]string) (tableData, error) {
	var headerRow []string
	var dataRows [][]string

	for _, record := range records {
		if isEmptyRow(record) {
			continue
		}
		if headerRow == nil {
			headerRow = record
			continue
		}
		dataRows = append(dataRows, record)
	}

	if headerRow == nil {
		return tableData{}, errors.New("no header row detected")
	}

	return tableData{headers: sanitizeHeaders(headerRow), rows: dataRows}, nil
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func isEmptyRow(row []string) bool {
	for _, value := range row {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

func cell(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return row[col]
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", raw)
}
