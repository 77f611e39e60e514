package pcc

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/gwlsn/codecbench/internal/config"
	"github.com/gwlsn/codecbench/internal/logger"
)

// CSVHeader is the column list of the metrics CSV files.
var CSVHeader = []string{
	"SeqId", "CondId", "RateId", "nbFrame",
	"NbInputPoints", "NbOutputPoints", "MeanOutputPoints", "MeanDuplicatePoints",
	"TotalBitstreamBits", "geometryBits", "metadataBits", "attributeBits",
	"D1Mean", "D2Mean", "LumaMean", "CbMean", "CrMean", "PCQM",
	"SelfEncoderRuntime", "ChildEncoderRuntime", "SelfDecoderRuntime", "ChildDecoderRuntime",
	"bitrate", "geoQP", "attQP", "occPrec",
}

// Record is one CSV row: the metrics of one rate point.
type Record struct {
	SeqID   int
	Cond    string
	RateID  int
	Metrics *Metrics
	Fps     float64
	Rate    Rate
}

// Row renders the record in CSVHeader order.
func (r Record) Row() []string {
	m := r.Metrics
	perFrame := func(v int64) string {
		if m.Frames == 0 {
			return "0"
		}
		return formatFloat(float64(v) / float64(m.Frames))
	}
	i64 := func(v int64) string { return strconv.FormatInt(v, 10) }

	return []string{
		fmt.Sprintf("S%d", r.SeqID),
		"C2" + r.Cond,
		fmt.Sprintf("R%02d", r.RateID),
		strconv.Itoa(m.Frames),
		i64(m.InputPoints),
		i64(m.OutputPoints),
		perFrame(m.OutputPoints),
		perFrame(m.DuplicatePoints),
		i64(m.TotalBytes * 8),
		i64(m.GeometryBytes * 8),
		i64(m.MetadataBytes * 8),
		i64(m.AttributeBytes * 8),
		formatFloat(m.D1),
		formatFloat(m.D2),
		formatFloat(m.Luma),
		formatFloat(m.Cb),
		formatFloat(m.Cr),
		formatFloat(m.PCQMPSNR),
		formatFloat(m.Encoder.UserSelf),
		formatFloat(m.Encoder.UserChildren),
		formatFloat(m.Decoder.UserSelf),
		formatFloat(m.Decoder.UserChildren),
		formatFloat(m.Bitrate(r.Fps)),
		strconv.Itoa(r.Rate.GeometryQP),
		strconv.Itoa(r.Rate.AttributeQP),
		strconv.Itoa(r.Rate.OccupancyPrecision),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// AppendCSV appends rec to the CSV file at path, writing the header first when
// the file is new.
func AppendCSV(path string, rec Record) error {
	_, err := os.Stat(path)
	isNew := errors.Is(err, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if isNew {
		w.Write(CSVHeader)
	}
	w.Write(rec.Row())
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *Bench) reportName(fIdx int, profile, cond, suffix string) string {
	return filepath.Join(b.OutputDir, fmt.Sprintf("FiDx%d_%s_C2%s_%s%s",
		fIdx, profile, cond, configStem(b.TestConfigPath), suffix))
}

// CSVPath is the metrics CSV of a frame count index, profile and condition.
func (b *Bench) CSVPath(fIdx int, profile, cond string) string {
	return b.reportName(fIdx, profile, cond, "_metrics.csv")
}

// WorkbookPath is the filled workbook matching CSVPath.
func (b *Bench) WorkbookPath(fIdx int, profile, cond string) string {
	return b.reportName(fIdx, profile, cond, ".xlsm")
}

// Report lists the files produced by Bench.Report.
type Report struct {
	CSVs      []string
	Workbooks []string

	// Tests and Succeeded count tasks per profile.
	Tests     map[string]int
	Succeeded map[string]int
}

// Report writes one CSV per frame count index, profile and condition, then
// fills a workbook per CSV for every profile whose tasks all succeeded.
// Previous CSV files of the test config are removed first.
func (b *Bench) Report(tasks []*Task, layout config.SpreadsheetConfig) (*Report, error) {
	if err := b.removeOldCSVs(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.OutputDir, 0755); err != nil {
		return nil, err
	}

	rep := &Report{Tests: map[string]int{}, Succeeded: map[string]int{}}

	for _, test := range b.Tests.TestList {
		testTasks := lo.Filter(tasks, func(t *Task, _ int) bool {
			return t.TestName == test.TestName && t.Profile == test.Profile
		})
		succeeded := lo.CountBy(testTasks, func(t *Task) bool { return t.Success() })
		rep.Tests[test.Profile] += len(testTasks)
		rep.Succeeded[test.Profile] += succeeded

		type sheet struct {
			fIdx int
			cond string
			csv  string
		}
		var sheets []sheet
		for _, t := range testTasks {
			path := b.CSVPath(t.FrameIndex, t.Profile, t.Condition)
			m, err := ExtractMetrics(t.EncoderLog(), t.DecoderLog(), t.MMLog())
			if err != nil {
				logger.Warn("Metrics unavailable", "task", t.Name(), "error", err)
				continue
			}
			rec := Record{
				SeqID:   t.Sequence.SeqID,
				Cond:    t.Condition,
				RateID:  t.Rate.RateID,
				Metrics: m,
				Fps:     t.Sequence.Fps,
				Rate:    t.Rate,
			}
			if err := AppendCSV(path, rec); err != nil {
				return rep, fmt.Errorf("write %s: %w", path, err)
			}
			if !lo.ContainsBy(sheets, func(s sheet) bool { return s.csv == path }) {
				sheets = append(sheets, sheet{fIdx: t.FrameIndex, cond: t.Condition, csv: path})
				rep.CSVs = append(rep.CSVs, path)
			}
		}

		if len(testTasks) == 0 || succeeded != len(testTasks) {
			logger.Warn("Cannot generate workbook, tests on going or failed",
				"profile", test.Profile, "tests", len(testTasks), "succeeded", succeeded)
			continue
		}
		if _, err := os.Stat(layout.Template); err != nil {
			logger.Warn("Workbook template missing, skipping workbooks", "template", layout.Template)
			continue
		}

		rates := lo.Max(lo.Map(test.SeqList, func(s SeqEntry, _ int) int { return len(s.RateList) }))
		for _, s := range sheets {
			out := b.WorkbookPath(s.fIdx, test.Profile, s.cond)
			if err := FillWorkbook(layout, out, s.csv, len(test.SeqList), rates, 0); err != nil {
				return rep, fmt.Errorf("fill %s: %w", out, err)
			}
			rep.Workbooks = append(rep.Workbooks, out)
		}
		logger.Info("Workbooks generated", "profile", test.Profile, "count", len(sheets))
	}
	return rep, nil
}

func (b *Bench) removeOldCSVs() error {
	stem := configStem(b.TestConfigPath)
	err := filepath.WalkDir(b.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".csv") || !strings.Contains(name, stem) {
			return nil
		}
		logger.Debug("Removing previous CSV", "path", path)
		return os.Remove(path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
