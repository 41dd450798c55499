package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ExportFilename is the attachment name of the CSV export
const ExportFilename = "magic_wheels_data.csv"

// WriteCSV writes one row per bucket of v: the bucket key followed by a
// <location>_<metric> column for each selected metric. Lead metrics cover
// the whole collection window and repeat on every row.
func WriteCSV(w io.Writer, v *View) error {
	cw := csv.NewWriter(w)

	metrics := make([]string, 0, len(AllMetrics))
	for _, m := range AllMetrics {
		if v.Filter.Has(m) {
			metrics = append(metrics, m)
		}
	}

	header := []string{"date"}
	for _, s := range v.Series {
		for _, m := range metrics {
			header = append(header, s.Location+"_"+m)
		}
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for i, bucket := range v.Buckets {
		row := make([]string, 0, len(header))
		row = append(row, bucket)
		for j, s := range v.Series {
			c := v.Comparison[j]
			for _, m := range metrics {
				switch m {
				case MetricSoldRetail:
					row = append(row, s.Retail[i].StringFixed(2))
				case MetricSoldRental:
					row = append(row, s.Rental[i].StringFixed(2))
				case MetricResponseRate:
					row = append(row, strconv.FormatFloat(c.ResponseRate, 'f', 1, 64))
				case MetricResponseTime:
					row = append(row, strconv.FormatFloat(c.AvgResponseMinutes, 'f', 1, 64))
				}
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row %s: %w", bucket, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
