package pcc

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/gwlsn/codecbench/internal/config"
	"github.com/gwlsn/codecbench/internal/logger"
)

// lossyColumns are written left to right from the data column of the test.
var lossyColumns = []string{
	"NbOutputPoints", "MeanOutputPoints", "MeanDuplicatePoints",
	"TotalBitstreamBits", "geometryBits", "metadataBits", "attributeBits",
	"D1Mean", "D2Mean", "LumaMean", "CbMean", "CrMean", "PCQM",
	"SelfEncoderRuntime", "ChildEncoderRuntime", "SelfDecoderRuntime", "ChildDecoderRuntime",
}

// ReadCSV reads a metrics CSV into one map per row, keyed by header name.
func ReadCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	out := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(row) {
				rec[name] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// FillWorkbook copies the template to out and writes the CSV rows into the
// reporting sheet. Sequence i (in layout.Sequences order) and rate r land on
// row StartRow + i*RatesPerSeq + r. testIndex selects the data column block.
// Only the first sequences and rates are written.
func FillWorkbook(layout config.SpreadsheetConfig, out, csvPath string, sequences, rates, testIndex int) error {
	if testIndex < 0 || testIndex >= len(layout.DataColumns) {
		return fmt.Errorf("test index %d out of range (%d data columns)", testIndex, len(layout.DataColumns))
	}
	records, err := ReadCSV(csvPath)
	if err != nil {
		return err
	}

	f, err := excelize.OpenFile(layout.Template)
	if err != nil {
		return fmt.Errorf("open template: %w", err)
	}
	defer f.Close()

	if idx, err := f.GetSheetIndex(layout.Sheet); err != nil || idx < 0 {
		return fmt.Errorf("sheet %q not found in %s", layout.Sheet, layout.Template)
	}

	set := func(col, row int, v any) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(layout.Sheet, cell, v)
	}

	dataColumn := layout.DataColumns[testIndex]
	for i, seqID := range layout.Sequences {
		if i >= sequences {
			break
		}
		for r := 0; r < layout.RatesPerSeq && r < rates; r++ {
			rateID := fmt.Sprintf("R%02d", r+1)
			rec := findRecord(records, seqID, rateID)
			if rec == nil {
				logger.Warn("No metrics for workbook row", "sequence", seqID, "rate", rateID, "csv", csvPath)
				continue
			}

			row := layout.StartRow + i*layout.RatesPerSeq + r
			if err := set(layout.PointsColumn, row, atoi(rec["NbInputPoints"])); err != nil {
				return err
			}
			if err := set(layout.FramesColumn, row, atoi(rec["nbFrame"])); err != nil {
				return err
			}
			for c, name := range lossyColumns {
				if err := set(dataColumn+c, row, cellValue(rec[name], c, layout.InvalidIsBlank)); err != nil {
					return err
				}
			}
		}
	}

	if err := f.SaveAs(out); err != nil {
		return fmt.Errorf("save %s: %w", out, err)
	}
	logger.Debug("Workbook filled", "path", out, "csv", csvPath)
	return nil
}

func findRecord(records []map[string]string, seqID, rateID string) map[string]string {
	for _, rec := range records {
		if rec["SeqId"] == seqID && rec["RateId"] == rateID {
			return rec
		}
	}
	return nil
}

// cellValue converts a CSV value for column c of the lossy block. The first
// two columns are integers; negative values are invalid measurements.
func cellValue(s string, c int, invalidIsBlank bool) any {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ""
	}
	if v < 0 && invalidIsBlank {
		return ""
	}
	if c <= 1 {
		return int64(v)
	}
	return v
}

func atoi(s string) int64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(v)
}
