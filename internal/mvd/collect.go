package mvd

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/gwlsn/codecbench/internal/logger"
)

var (
	qmivPSNRRegex   = regexp.MustCompile(`^PSNR\s+Y:Cb:Cr\s+([0-9.]+) dB\s+[0-9.]+ dB\s+[0-9.]+ dB\s*`)
	qmivIVSSIMRegex = regexp.MustCompile(`^IVSSIM\s+([0-9.]+)\s*`)
)

// QMIVReport holds the values read from one .qmiv file.
type QMIVReport struct {
	PSNR      float64 // luma PSNR in dB
	IVSSIM    float64
	HasPSNR   bool
	HasIVSSIM bool
}

// ParseQMIV extracts the luma PSNR and IV-SSIM lines of a QMIV report.
// The last occurrence of each line wins.
func ParseQMIV(r io.Reader) (QMIVReport, error) {
	var rep QMIVReport
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := qmivPSNRRegex.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rep.PSNR, rep.HasPSNR = v, true
			}
		} else if m := qmivIVSSIMRegex.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rep.IVSSIM, rep.HasIVSSIM = v, true
			}
		}
	}
	return rep, scanner.Err()
}

// ReadQMIV parses the QMIV report at path.
func ReadQMIV(path string) (QMIVReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return QMIVReport{}, err
	}
	defer f.Close()
	return ParseQMIV(f)
}

// Cell is the result of one condition at one rate point. Nil values could
// not be computed.
type Cell struct {
	Bitrate *float64 // Mbps
	PSNR    *float64 // dB
	IVSSIM  *float64
}

// Row holds one rate point, with cells in condition order.
type Row struct {
	Rate  string
	Cells []Cell
}

// ContentTable is the result table of one content item.
type ContentTable struct {
	Content string
	Rows    []Row
}

// Results are the objective results of one frame count.
type Results struct {
	FrameCount int
	Conditions []string
	Tables     []ContentTable

	bitstreamBytes int64
}

// Bitrate converts a bitstream size into Mbps.
func Bitrate(sizeBytes int64, frameRate float64, frameCount int) float64 {
	return 8e-6 * float64(sizeBytes) * frameRate / float64(frameCount)
}

// MeanPSNR averages PSNR values in the MSE domain.
func MeanPSNR(values []float64) float64 {
	mse := lo.Mean(lo.Map(values, func(v float64, _ int) float64 {
		return math.Pow(10, -0.1*v)
	}))
	return -10 * math.Log10(mse)
}

// Gather reads bitstream sizes and QMIV reports for one frame count.
// Missing or incomplete inputs leave the affected values nil.
func (e *Experiment) Gather(frameCount int) Results {
	res := Results{FrameCount: frameCount, Conditions: e.Conditions}

	for _, content := range e.Contents {
		table := ContentTable{Content: content}
		entry := e.Catalog[content]

		for _, rate := range e.Rates {
			row := Row{Rate: rate}
			for _, condition := range e.Conditions {
				p := Point{
					Condition:  condition,
					FrameCount: frameCount,
					Content:    content,
					Rate:       rate,
					out:        e.outDir(),
				}
				row.Cells = append(row.Cells, e.gatherCell(p, entry.Views, entry.FrameRate, &res))
			}
			table.Rows = append(table.Rows, row)
		}
		res.Tables = append(res.Tables, table)
	}
	return res
}

func (e *Experiment) gatherCell(p Point, views []string, frameRate float64, res *Results) Cell {
	var cell Cell

	bitstream := e.resolve(p.RPxBitstream())
	if info, err := os.Stat(bitstream); err != nil {
		logger.Warn("Bitstream missing", "path", bitstream)
	} else if frameRate <= 0 || p.FrameCount <= 0 {
		logger.Warn("No frame rate for content", "content", p.Content)
	} else {
		cell.Bitrate = lo.ToPtr(Bitrate(info.Size(), frameRate, p.FrameCount))
		res.bitstreamBytes += info.Size()
	}

	var psnrs, ssims []float64
	for _, view := range views {
		p.View = view
		path := e.resolve(p.Metrics())
		rep, err := ReadQMIV(path)
		if err != nil {
			logger.Warn("QMIV report unreadable", "path", path, "error", err)
			continue
		}
		if rep.HasPSNR {
			psnrs = append(psnrs, rep.PSNR)
		}
		if rep.HasIVSSIM {
			ssims = append(ssims, rep.IVSSIM)
		}
	}

	// An average over a subset of the views is not comparable
	if len(views) > 0 && len(psnrs) == len(views) {
		cell.PSNR = lo.ToPtr(MeanPSNR(psnrs))
	}
	if len(views) > 0 && len(ssims) == len(views) {
		cell.IVSSIM = lo.ToPtr(lo.Mean(ssims))
	}
	return cell
}

func (e *Experiment) resolve(path string) string {
	if e.Dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.Dir, path)
}

// Collect writes out/objective-results-<N>F.md for every frame count and
// returns the paths written.
func (e *Experiment) Collect() ([]string, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var written []string
	for _, fc := range e.FrameCounts {
		res := e.Gather(fc)

		path := e.resolve(filepath.Join(e.outDir(), fmt.Sprintf("objective-results-%dF.md", fc)))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return written, err
		}
		if err := os.WriteFile(path, []byte(res.Markdown()), 0644); err != nil {
			return written, err
		}

		logger.Info("Objective results written", "path", path, "frames", fc,
			"bitstreams", humanize.Bytes(uint64(res.bitstreamBytes)))
		written = append(written, path)
	}
	return written, nil
}

// Markdown renders the results as one table per content item.
func (r Results) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Objective results for %d coded frames\n", r.FrameCount)

	for _, table := range r.Tables {
		fmt.Fprintf(&b, "## Objective results for %s\n\n", table.Content)

		b.WriteString("| Rate point")
		for _, c := range r.Conditions {
			fmt.Fprintf(&b, " | %s bitrate (Mbps)", c)
		}
		for _, c := range r.Conditions {
			fmt.Fprintf(&b, " | %s PSNR", c)
		}
		for _, c := range r.Conditions {
			fmt.Fprintf(&b, " | %s IV-SSIM", c)
		}
		b.WriteString(" |\n")
		b.WriteString(strings.Repeat("|--|--|--", len(r.Conditions)))
		b.WriteString("|--|\n")

		for _, row := range table.Rows {
			fmt.Fprintf(&b, "| %s", row.Rate)
			for _, cell := range row.Cells {
				b.WriteString(" | " + formatValue(cell.Bitrate, 3))
			}
			for _, cell := range row.Cells {
				b.WriteString(" | " + formatValue(cell.PSNR, 2))
			}
			for _, cell := range row.Cells {
				b.WriteString(" | " + formatValue(cell.IVSSIM, 4))
			}
			b.WriteString(" |\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatValue(v *float64, prec int) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}
