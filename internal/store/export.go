package store

import (
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/lox/wxarchive/internal/models"
)

// DailyRecord is the Parquet row layout of an exported daily.
type DailyRecord struct {
	Station string   `parquet:"station,zstd"`
	Date    string   `parquet:"date,zstd"`
	Model   string   `parquet:"model,optional,zstd"`
	High    *float64 `parquet:"high,optional"`
	Low     *float64 `parquet:"low,optional"`
	Wind    *float64 `parquet:"wind,optional"`
	Rain    *float64 `parquet:"rain,optional"`
}

func nullable(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

// DailyToRecord converts a daily to its export row.
func DailyToRecord(d *models.Daily) DailyRecord {
	return DailyRecord{
		Station: d.StationID,
		Date:    models.FormatTime(d.Date),
		Model:   d.Source,
		High:    nullable(d.Value(models.High)),
		Low:     nullable(d.Value(models.Low)),
		Wind:    nullable(d.Value(models.Wind)),
		Rain:    nullable(d.Value(models.Rain)),
	}
}

// ExportDailies writes a station's dailies in the query window to w as
// Parquet and returns the number of rows written.
func (s *Store) ExportDailies(ctx context.Context, w io.Writer, binding, tableType, stid string, q Query) (int, error) {
	dailies, err := s.ReadDailies(ctx, binding, tableType, stid, q)
	if err != nil {
		return 0, err
	}

	records := make([]DailyRecord, len(dailies))
	for i, d := range dailies {
		records[i] = DailyToRecord(d)
	}

	pw := parquet.NewGenericWriter[DailyRecord](w, parquet.Compression(&parquet.Zstd))
	n, err := pw.Write(records)
	if err != nil {
		pw.Close()
		return n, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return n, fmt.Errorf("close parquet writer: %w", err)
	}
	s.log.Info("exported dailies", "station", stid, "table_type", tableType, "rows", n)
	return n, nil
}
