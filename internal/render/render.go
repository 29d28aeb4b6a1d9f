package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reportflow/internal/domain"
)

var (
	// ErrUnknownReport means the report id resolves to nothing; retrying
	// cannot help.
	ErrUnknownReport = errors.New("unknown report")
	// ErrUnsupportedFormat means the renderer cannot produce the requested
	// format at all.
	ErrUnsupportedFormat = errors.New("unsupported report format")
)

// IsPermanent reports whether a render error cannot be fixed by retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownReport) || errors.Is(err, ErrUnsupportedFormat)
}

// Artifact is the rendered report output handed to channel adapters. Data is
// read-only once returned.
type Artifact struct {
	Ref         string
	Filename    string
	ContentType string
	Data        []byte
	GeneratedAt time.Time
}

// Renderer produces an artifact for a report in a given format. password,
// when non-empty, protects the artifact where the format supports it.
type Renderer interface {
	Render(ctx context.Context, reportID string, format domain.ReportFormat, password string) (*Artifact, error)
}

// Table is the tabular report data the built-in renderer serializes.
type Table struct {
	Title   string
	Columns []string
	Rows    [][]string
}

// Source resolves a report id to its tabular data.
type Source interface {
	Fetch(ctx context.Context, reportID string) (*Table, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, reportID string) (*Table, error)

func (f SourceFunc) Fetch(ctx context.Context, reportID string) (*Table, error) {
	return f(ctx, reportID)
}

func contentType(format domain.ReportFormat) string {
	switch format {
	case domain.FormatCSV:
		return "text/csv"
	case domain.FormatJSON:
		return "application/json"
	case domain.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case domain.FormatPDF:
		return "application/pdf"
	case domain.FormatArchive:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

func extension(format domain.ReportFormat) string {
	switch format {
	case domain.FormatCSV:
		return "csv"
	case domain.FormatJSON:
		return "json"
	case domain.FormatExcel:
		return "xlsx"
	case domain.FormatPDF:
		return "pdf"
	case domain.FormatArchive:
		return "zip"
	default:
		return "bin"
	}
}

func filename(reportID string, format domain.ReportFormat, at time.Time) string {
	return fmt.Sprintf("%s_%s.%s", reportID, at.Format("20060102_150405"), extension(format))
}
