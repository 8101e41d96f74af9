package archive

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/measure"
)

// Samples parses one algorithm's sample file on demand and returns the
// requested column for every successful operation (return code zero).
// A missing file, missing required columns, or zero surviving rows all
// mean "no samples" rather than an error; the caller skips the point.
// Content that exists but cannot be opened is a corrupt source.
func (d *Detail) Samples(alg, column string) ([]float64, error) {
	if column == "" {
		column = measure.DefaultColumn
	}

	entry := d.open("detail/" + alg + ".csv")
	if entry == nil {
		d.log.Debug("algorithm not found, skipping", "source", d.Source(), "algorithm", alg)
		return nil, nil
	}

	reader, err := entry.Open()
	if err != nil {
		return nil, errors.NewCorruptSource(d.Source(), "unreadable sample file "+alg)
	}
	defer reader.Close()

	records := csv.NewReader(reader)
	records.FieldsPerRecord = -1

	header, err := records.Read()
	if err != nil {
		d.log.Debug("unreadable sample file, skipping", "source", d.Source(), "algorithm", alg)
		return nil, nil
	}

	valueCol := fieldIndex(header, column)
	codeCol := fieldIndex(header, "return_code")
	if valueCol < 0 || codeCol < 0 || fieldIndex(header, measure.DefaultColumn) < 0 {
		d.log.Debug("required fields missing, skipping", "source", d.Source(), "algorithm", alg)
		return nil, nil
	}

	var values []float64
	for {
		record, err := records.Read()
		if err != nil {
			// A mid-file error (a corrupt deflate stream, usually) ends
			// the data, but not silently.
			if err != io.EOF {
				d.log.Warn("sample file truncated", "source", d.Source(),
					"algorithm", alg, "error", err)
			}
			break
		}
		if valueCol >= len(record) || codeCol >= len(record) {
			continue
		}

		code, err := strconv.ParseUint(strings.TrimPrefix(record[codeCol], "0x"), 16, 64)
		if err != nil || code != 0 {
			continue
		}

		value, ok := parseSample(record[valueCol])
		if !ok {
			continue
		}
		values = append(values, value)
	}

	if len(values) == 0 {
		d.log.Debug("no data points, skipping", "source", d.Source(), "algorithm", alg)
		return nil, nil
	}

	return values, nil
}

func fieldIndex(header []string, name string) int {
	for i, field := range header {
		if strings.TrimSpace(field) == name {
			return i
		}
	}
	return -1
}

// parseSample parses a sample cell. Timing columns are decimal floats;
// derived columns (key material) are hexadecimal integers.
func parseSample(cell string) (float64, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, false
	}

	if value, err := strconv.ParseFloat(cell, 64); err == nil {
		return value, true
	}

	raw, err := strconv.ParseUint(strings.TrimPrefix(cell, "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	return float64(raw), true
}
