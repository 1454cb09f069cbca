package importer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/taskhub/internal/store"
)

var ErrNoHeader = errors.New("importer: csv has no header row")

const goldPrefix = "gold_"

// CSV imports one task per row. Header names become info fields except for
// n_answers, priority_0, calibration and data_access, which set the task
// columns, and gold_<field>, which sets the gold answer for <field> when not empty.
func (importer *Importer) CSV(ctx context.Context, projectID int64, r io.Reader) (*Report, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("importer: read csv header: %w", err)
	}
	for i, name := range header {
		header[i] = strings.TrimSpace(name)
		if header[i] == "" {
			return nil, fmt.Errorf("importer: csv column %d has no name", i+1)
		}
	}

	report := &Report{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		source := fmt.Sprintf("csv line %d", line)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("importer: %s: %w", source, err))
			continue
		}
		if len(record) != len(header) {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("importer: %s: %d fields, header has %d", source, len(record), len(header)))
			continue
		}

		task, err := rowTask(projectID, header, record)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("importer: %s: %w", source, err))
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		importer.add(ctx, report, task, source)
	}
	return report, nil
}

func rowTask(projectID int64, header, record []string) (*store.Task, error) {
	task := &store.Task{ProjectID: projectID, Info: map[string]any{}}
	gold := map[string]any{}

	for i, name := range header {
		value := record[i]
		switch {
		case name == "n_answers":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("n_answers: %w", err)
			}
			task.NAnswers = n
		case name == "priority_0":
			p, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("priority_0: %w", err)
			}
			task.Priority = p
		case name == "calibration":
			c, err := strconv.Atoi(value)
			if err != nil || (c != 0 && c != 1) {
				return nil, fmt.Errorf("calibration must be 0 or 1, got %q", value)
			}
			task.Calibration = c
		case name == "data_access":
			levels, err := parseLevels(value)
			if err != nil {
				return nil, fmt.Errorf("data_access: %w", err)
			}
			task.DataAccess = levels
		case strings.HasPrefix(name, goldPrefix) && len(name) > len(goldPrefix):
			if value != "" {
				gold[strings.TrimPrefix(name, goldPrefix)] = value
			}
		default:
			task.Info[name] = value
		}
	}

	if len(gold) > 0 {
		raw, err := json.Marshal(gold)
		if err != nil {
			return nil, fmt.Errorf("gold answers: %w", err)
		}
		task.GoldAnswers = raw
		task.Calibration = 1
	}
	return task, nil
}

// parseLevels accepts a JSON list or levels separated by ';' or spaces.
func parseLevels(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "[") {
		var levels []string
		if err := json.Unmarshal([]byte(value), &levels); err != nil {
			return nil, err
		}
		return levels, nil
	}
	return strings.FieldsFunc(value, func(r rune) bool { return r == ';' || r == ' ' }), nil
}
