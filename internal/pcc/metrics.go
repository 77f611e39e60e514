package pcc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Timing is the runtime report of a TMC2 binary, in seconds.
type Timing struct {
	Wall         float64
	UserSelf     float64
	UserChildren float64
}

// Metrics are the values extracted from the logs of one task.
type Metrics struct {
	Frames int

	// Bitstream sizes in bytes, summed over the log.
	TotalBytes     int64
	MetadataBytes  int64
	GeometryBytes  int64
	AttributeBytes int64

	InputPoints     int64
	OutputPoints    int64
	DuplicatePoints int64

	// PSNR in dB: D1 is point to point, D2 point to plane.
	D1   float64
	D2   float64
	Luma float64
	Cb   float64
	Cr   float64

	PCQM     float64
	PCQMPSNR float64

	Encoder       Timing
	Decoder       Timing
	EncoderMemory string
	DecoderMemory string
}

// Bitrate returns the stream bitrate in Mbps.
func (m *Metrics) Bitrate(fps float64) float64 {
	if m.Frames == 0 {
		return 0
	}
	return float64(m.TotalBytes) * 8 * fps / float64(m.Frames) / 1e6
}

// ExtractMetrics reads the encoder, decoder and (optional) mm logs of a task.
// Without an mm log, quality values come from the encoder log.
func ExtractMetrics(encoderLog, decoderLog, mmLog string) (*Metrics, error) {
	m := &Metrics{}

	if err := parseFile(encoderLog, m.parseEncoder); err != nil {
		return nil, err
	}
	if err := parseFile(decoderLog, m.parseDecoder); err != nil {
		return nil, err
	}
	if mmLog == "" {
		if err := parseFile(encoderLog, m.parseEncoderQuality); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := parseFile(mmLog, m.parseMM); err != nil {
		return nil, err
	}
	return m, nil
}

func parseFile(path string, parse func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := parse(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func eachLine(r io.Reader, fn func(line string, words []string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fn(line, strings.Fields(line))
	}
	return scanner.Err()
}

// intWord returns words[i] as an int (thousands separators allowed), or 0.
func intWord(words []string, i int) int64 {
	if i >= len(words) {
		return 0
	}
	v, _ := strconv.ParseInt(strings.ReplaceAll(words[i], ",", ""), 10, 64)
	return v
}

func floatWord(words []string, i int) float64 {
	if i >= len(words) {
		return 0
	}
	v, _ := strconv.ParseFloat(words[i], 64)
	return v
}

// Markers of the encoder's bitstream summary, padded as TMC2 prints them.
// Other lines starting with the same words are not part of the summary.
const (
	frameCountMarker = "frameCount                                 "
	totalMarker      = "  Total:            "
	metadataMarker   = "  TotalMetadata:"
	geometryMarker   = "  TotalGeometry:"
	attributeMarker  = "  TotalAttribute:"
)

func (m *Metrics) parseEncoder(r io.Reader) error {
	return eachLine(r, func(line string, words []string) {
		switch {
		case strings.Contains(line, frameCountMarker):
			m.Frames += int(intWord(words, 1))
		case strings.Contains(line, totalMarker):
			m.TotalBytes += intWord(words, 1)
		case strings.Contains(line, metadataMarker):
			m.MetadataBytes += intWord(words, 1)
		case strings.Contains(line, geometryMarker):
			m.GeometryBytes += intWord(words, 1)
		case strings.Contains(line, attributeMarker):
			m.AttributeBytes += intWord(words, 1)
		case strings.Contains(line, "points with same"):
			m.DuplicatePoints += intWord(words, 1)
		case strings.Contains(line, "Point cloud sizes"):
			m.InputPoints += intWord(words, 12)
			m.OutputPoints += intWord(words, 13)
		case strings.Contains(line, "Peak memory:"):
			if len(words) > 2 {
				m.EncoderMemory = words[2]
			}
		default:
			parseTiming(line, words, &m.Encoder)
		}
	})
}

func (m *Metrics) parseDecoder(r io.Reader) error {
	return eachLine(r, func(line string, words []string) {
		if strings.Contains(line, "Peak memory:") {
			if len(words) > 2 {
				m.DecoderMemory = words[2]
			}
			return
		}
		parseTiming(line, words, &m.Decoder)
	})
}

func parseTiming(line string, words []string, t *Timing) {
	switch {
	case strings.Contains(line, "Processing time (wall):"):
		t.Wall = floatWord(words, 3)
	case strings.Contains(line, "Processing time (user.self):"):
		t.UserSelf = floatWord(words, 3)
	case strings.Contains(line, "Processing time (user.children):"):
		t.UserChildren = floatWord(words, 3)
	}
}

// parseEncoderQuality sums the per-frame PSNR lines TMC2 prints when it
// computes metrics itself, then averages the F values.
func (m *Metrics) parseEncoderQuality(r io.Reader) error {
	targets := []struct {
		marker string
		value  *float64
	}{
		{"mseF,PSNR (p2point):", &m.D1},
		{"mseF,PSNR (p2plane):", &m.D2},
		{"c[0],PSNRF", &m.Luma},
		{"c[1],PSNRF", &m.Cb},
		{"c[2],PSNRF", &m.Cr},
	}
	err := eachLine(r, func(line string, words []string) {
		for _, t := range targets {
			if strings.Contains(line, t.marker) {
				*t.value += floatWord(words, 2)
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if m.Frames != 0 {
		for _, t := range targets {
			*t.value /= float64(m.Frames)
		}
	}
	return nil
}

// parseMM reads the "... Mean=<v>" summary lines of mm compare.
func (m *Metrics) parseMM(r io.Reader) error {
	targets := []struct {
		marker string
		value  *float64
	}{
		{"mseF, PSNR(p2point) Mean=", &m.D1},
		{"mseF, PSNR(p2plane) Mean=", &m.D2},
		{"c[0],PSNRF          Mean=", &m.Luma},
		{"c[1],PSNRF          Mean=", &m.Cb},
		{"c[2],PSNRF          Mean=", &m.Cr},
		{"PCQM-PSNR Mean=", &m.PCQMPSNR},
		{"PCQM Mean=", &m.PCQM},
	}
	return eachLine(r, func(line string, _ []string) {
		for _, t := range targets {
			if !strings.Contains(line, t.marker) {
				continue
			}
			parts := strings.Split(line, "=")
			if v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
				*t.value = v
			}
			return
		}
	})
}

// Summary renders the metrics as aligned "name = value" lines.
func (m *Metrics) Summary() string {
	var b strings.Builder
	line := func(name string, v any) {
		fmt.Fprintf(&b, "\t%-24s= %v\n", name, v)
	}
	psnr := func(v float64) string { return strconv.FormatFloat(v, 'f', 7, 64) }

	line("frame number", m.Frames)
	line("total (in bits)", m.TotalBytes*8)
	line("geometry (in bits)", m.GeometryBytes*8)
	line("metadata (in bits)", m.MetadataBytes*8)
	line("attribute (in bits)", m.AttributeBytes*8)
	line("Point 2 Point (PSNR)", psnr(m.D1))
	line("Point 2 Plane (PSNR)", psnr(m.D2))
	line("c[0]          (PSNR)", psnr(m.Luma))
	line("c[1]          (PSNR)", psnr(m.Cb))
	line("c[2]          (PSNR)", psnr(m.Cr))
	line("PCQM", psnr(m.PCQM))
	line("PCQM          (PSNR)", psnr(m.PCQMPSNR))
	line("NumPtOrg", m.InputPoints)
	line("NumPtDec", m.OutputPoints)
	line("MeanDup", m.DuplicatePoints)
	line("EncTime (wall)", m.Encoder.Wall)
	line("EncTime (user.self)", m.Encoder.UserSelf)
	line("EncTime (user.children)", m.Encoder.UserChildren)
	line("DecTime (wall)", m.Decoder.Wall)
	line("DecTime (user.self)", m.Decoder.UserSelf)
	line("DecTime (user.children)", m.Decoder.UserChildren)
	line("PeakEncoderMemory", m.EncoderMemory)
	line("PeakDecoderMemory", m.DecoderMemory)
	return b.String()
}
