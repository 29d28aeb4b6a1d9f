package render

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"reportflow/internal/domain"
)

// TabularRenderer serializes tabular report data into the supported
// artifact formats. Image output needs a rasterizer and is rejected as
// permanently unsupported; a rasterizing Renderer can replace this one
// behind the same interface.
type TabularRenderer struct {
	source Source
}

func NewTabular(source Source) *TabularRenderer {
	return &TabularRenderer{source: source}
}

func (r *TabularRenderer) Render(ctx context.Context, reportID string, format domain.ReportFormat, password string) (*Artifact, error) {
	table, err := r.source.Fetch(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("fetch report %s: %w", reportID, err)
	}

	var data []byte
	switch format {
	case domain.FormatCSV:
		data, err = renderCSV(table)
	case domain.FormatJSON:
		data, err = renderJSON(table)
	case domain.FormatExcel:
		data, err = renderExcel(table, password)
	case domain.FormatPDF:
		data, err = renderPDF(table, password)
	case domain.FormatArchive:
		data, err = renderArchive(table, reportID)
	case domain.FormatImage:
		return nil, fmt.Errorf("format %s: %w", format, ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("format %s: %w", format, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s as %s: %w", reportID, format, err)
	}
	if password != "" && (format == domain.FormatCSV || format == domain.FormatJSON || format == domain.FormatArchive) {
		log.Debug().Str("report_id", reportID).Str("format", string(format)).
			Msg("artifact password not supported for format, skipping protection")
	}

	now := time.Now().UTC()
	return &Artifact{
		Ref:         "rpt_" + now.Format("20060102150405") + "_" + reportID,
		Filename:    filename(reportID, format, now),
		ContentType: contentType(format),
		Data:        data,
		GeneratedAt: now,
	}, nil
}

func renderCSV(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderJSON(t *Table) ([]byte, error) {
	records := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return json.MarshalIndent(map[string]any{
		"title": t.Title,
		"rows":  records,
	}, "", "  ")
}

func renderExcel(t *Table, password string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	header := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, row := range t.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, err
		}
	}

	var opts []excelize.Options
	if password != "" {
		opts = append(opts, excelize.Options{Password: password})
	}
	var buf bytes.Buffer
	if err := f.Write(&buf, opts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPDF(t *Table, password string) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	if password != "" {
		pdf.SetProtection(fpdf.CnProtectPrint, password, "")
	}
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, t.Title)
	pdf.Ln(12)

	pageW, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	colW := (pageW - left - right) / float64(max(len(t.Columns), 1))

	pdf.SetFont("Helvetica", "B", 9)
	for _, c := range t.Columns {
		pdf.CellFormat(colW, 7, c, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 9)
	for _, row := range t.Rows {
		for i := range t.Columns {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			pdf.CellFormat(colW, 6, v, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderArchive(t *Table, reportID string) ([]byte, error) {
	inner, err := renderCSV(t)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(reportID + ".csv")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(inner); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
