package analytics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"medqueue/internal/model"
)

var (
	ErrNoTokens      = errors.New("no tokens available for today to export")
	ErrNoTokensToday = errors.New("no tokens found for today to export")
)

var reportHeader = []string{
	"Token ID",
	"Token Number",
	"Status",
	"Priority",
	"Service",
	"Patient Name",
	"Doctor Name",
	"Created At",
}

// WriteDailyReport writes today's completed and waiting tokens as CSV with
// CRLF line endings. Tokens without createdAt are included.
func WriteDailyReport(w io.Writer, completed, waiting []model.Token, now time.Time) error {
	all := make([]model.Token, 0, len(completed)+len(waiting))
	all = append(all, completed...)
	all = append(all, waiting...)
	if len(all) == 0 {
		return ErrNoTokens
	}

	start, end := dayBounds(now)
	rows := make([][]string, 0, len(all)+1)
	rows = append(rows, reportHeader)
	for _, t := range all {
		if !t.CreatedAt.IsZero() && !sameDay(t.CreatedAt.In(now.Location()), start, end) {
			continue
		}
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			t.TokenNumber,
			string(t.Status),
			t.PriorityLabel(),
			t.ServiceName,
			t.PatientName,
			t.DoctorName,
			t.CreatedAt.String(),
		})
	}
	if len(rows) == 1 {
		return ErrNoTokensToday
	}

	lines := make([]string, len(rows))
	for i, row := range rows {
		fields := make([]string, len(row))
		for j, f := range row {
			fields[j] = csvField(f)
		}
		lines[i] = strings.Join(fields, ",")
	}
	if _, err := io.WriteString(w, strings.Join(lines, "\r\n")); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// csvField quotes s only when it contains a comma, a quote or a line break.
func csvField(s string) string {
	if !strings.ContainsAny(s, ",\"\r\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// DailyReportFilename names the export after now's UTC date.
func DailyReportFilename(now time.Time) string {
	return "hospital-daily-report-" + now.UTC().Format("2006-01-02") + ".csv"
}
