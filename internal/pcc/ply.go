package pcc

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
)

// PLYTest describes one mesh sequence to turn into voxelized PLY frames.
type PLYTest struct {
	SeqID        int     `json:"SeqId"`
	Name         string  `json:"Name"`
	Qp           int     `json:"Qp"`
	Ratio        float64 `json:"Ratio"`
	MeshObjPath  string  `json:"MeshObjPath"`
	MeshTxtPath  string  `json:"MeshTxtPath"`
	FirstFrameID int     `json:"FirstFrameId"`
	NbFrame      int     `json:"NbFrame"`
	OutputDir    string  `json:"OutputDir"`

	// OutputFormat is the PLY file name pattern, e.g. "longdress_%04d.ply".
	OutputFormat string `json:"OutputFormat"`

	// ratioText is Ratio as written in the test list ("1.0" stays "1.0").
	ratioText string
}

// LoadPLYTests reads a mesh test list.
func LoadPLYTests(path string) ([]PLYTest, error) {
	var raw struct {
		TestList []PLYTest `json:"TestList"`
	}
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	for _, t := range raw.TestList {
		if !strings.Contains(t.OutputFormat, "%") {
			return nil, fmt.Errorf("%s: test %s: OutputFormat needs a frame number pattern", path, t.Name)
		}
	}
	return raw.TestList, nil
}

// UnmarshalJSON fills the defaults of missing fields: qp 11, ratio 1 and one
// frame. Ratio keeps its JSON text for directory names.
func (t *PLYTest) UnmarshalJSON(data []byte) error {
	type plain PLYTest
	p := struct {
		plain
		Ratio *json.Number `json:"Ratio"`
	}{plain: plain{Qp: 11, Ratio: 1, NbFrame: 1}}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = PLYTest(p.plain)
	if p.Ratio != nil {
		v, err := p.Ratio.Float64()
		if err != nil {
			return fmt.Errorf("ratio: %w", err)
		}
		t.Ratio = v
		t.ratioText = p.Ratio.String()
	}
	return nil
}

// RatioText is the sampling ratio as it appears in directory names.
func (t PLYTest) RatioText() string {
	if t.ratioText != "" {
		return t.ratioText
	}
	return formatFloat(t.Ratio)
}

// GridSize is the sampling grid size of a geometry bit depth and sampling
// ratio.
func GridSize(qp int, ratio float64) int {
	return int(math.Pow(2, float64(qp)) * math.Sqrt(ratio))
}

// PLYGen samples and quantizes mesh sequences with mm.
type PLYGen struct {
	OutputDir string
	MM        string
	Tests     []PLYTest
}

// Dir is the output directory of a test.
func (g *PLYGen) Dir(t PLYTest) string {
	return filepath.Join(g.OutputDir, t.OutputDir,
		fmt.Sprintf("F%d_quantized_vox%d_r%s", t.NbFrame, t.Qp, t.RatioText()))
}

// plyFiles are the paths of one test.
type plyFiles struct {
	sampled string // pattern
	output  string // pattern
	analyse string
	command string
	log     string
}

func (g *PLYGen) files(t PLYTest) plyFiles {
	dir := g.Dir(t)
	stem := strings.SplitN(t.OutputFormat, "%", 2)[0]
	return plyFiles{
		sampled: filepath.Join(dir, strings.Replace(t.OutputFormat, "%", "sample_%", 1)),
		output:  filepath.Join(dir, t.OutputFormat),
		analyse: filepath.Join(dir, stem+"analyse.txt"),
		command: filepath.Join(dir, stem+"command.log"),
		log:     filepath.Join(dir, stem+"output.log"),
	}
}

func (t PLYTest) lastFrame() int {
	return t.FirstFrameID + t.NbFrame - 1
}

func (t PLYTest) frames(pattern string) []string {
	out := make([]string, 0, t.NbFrame)
	for i := t.FirstFrameID; i <= t.lastFrame(); i++ {
		out = append(out, fmt.Sprintf(pattern, i))
	}
	return out
}

// Pending returns the tests whose output log does not exist yet.
func (g *PLYGen) Pending() []PLYTest {
	var out []PLYTest
	for _, t := range g.Tests {
		if _, err := os.Stat(g.files(t).log); err == nil {
			logger.Info("PLY generation already done", "test", t.Name, "dir", g.Dir(t))
			continue
		}
		out = append(out, t)
	}
	return out
}

func (t PLYTest) sequenceArgs(mm string) []string {
	return []string{mm,
		"sequence", "--firstFrame", strconv.Itoa(t.FirstFrameID), "--lastFrame", strconv.Itoa(t.lastFrame()), "END"}
}

// SampleJob analyses the mesh bounding box and grid-samples the meshes.
func (g *PLYGen) SampleJob(t PLYTest) jobs.Request {
	f := g.files(t)
	args := append(t.sequenceArgs(g.MM),
		"analyse",
		"--inputModel", t.MeshObjPath,
		"--inputMap", t.MeshTxtPath,
		"--outputVar", f.analyse,
		"END",
		"sample",
		"--mode", "grid",
		"--useNormal",
		"--gridSize", strconv.Itoa(GridSize(t.Qp, t.Ratio)),
		"--inputModel", t.MeshObjPath,
		"--inputMap", t.MeshTxtPath,
		"--outputModel", f.sampled,
		"--hideProgress", "1",
	)
	return jobs.Request{
		Name: t.Name + " sample",
		Kind: jobs.KindPLY,
		Steps: []jobs.Step{{
			Name:       "sample",
			Args:       args,
			LogPath:    filepath.Join(g.Dir(t), "sample.log"),
			CommandLog: f.command,
			Remove:     []string{f.command},
		}},
	}
}

// QuantizeJob quantizes the sampled frames into the output PLY files using
// the bounding box written by the sample job, then removes the sampled
// frames.
func (g *PLYGen) QuantizeJob(t PLYTest) (jobs.Request, error) {
	f := g.files(t)
	minPos, maxPos, err := ReadAnalyse(f.analyse)
	if err != nil {
		return jobs.Request{}, err
	}
	// positions are rescaled from the sampling grid to the quantization range
	scale := (math.Pow(2, float64(t.Qp)) - 1) / (float64(GridSize(t.Qp, t.Ratio)) - 1)
	for i := range maxPos {
		maxPos[i] *= scale
	}

	args := append(t.sequenceArgs(g.MM),
		"quantize",
		"--qp", strconv.Itoa(t.Qp),
		"--qc", "8",
		"--qn", "0",
		"--minPos", joinFloats(minPos),
		"--maxPos", joinFloats(maxPos),
		"--minCol", "0 0 0",
		"--maxCol", "255 255 255",
		"--useFixedPoint",
		"--inputModel", f.sampled,
		"--outputModel", f.output,
	)
	return jobs.Request{
		Name: t.Name + " quantize",
		Kind: jobs.KindPLY,
		Steps: []jobs.Step{
			{
				Name:       "quantize",
				Args:       args,
				LogPath:    filepath.Join(g.Dir(t), "quantize.log"),
				CommandLog: f.command,
			},
			{Name: "clean", Remove: t.frames(f.sampled)},
		},
	}, nil
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = formatFloat(x)
	}
	return strings.Join(parts, " ")
}

// ReadAnalyse reads globalMinPos and globalMaxPos from an mm analyse output.
// Values look like "globalMinPos = [x y z]".
func ReadAnalyse(path string) (minPos, maxPos []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case minPos == nil && strings.Contains(line, "globalMinPos"):
			minPos, err = parseVector(line)
		case maxPos == nil && strings.Contains(line, "globalMaxPos"):
			maxPos, err = parseVector(line)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if minPos == nil || maxPos == nil {
		return nil, nil, fmt.Errorf("%s: globalMinPos or globalMaxPos missing", path)
	}
	return minPos, maxPos, nil
}

func parseVector(line string) ([]float64, error) {
	_, value, ok := strings.Cut(line, "=")
	if !ok {
		return nil, fmt.Errorf("no value in %q", line)
	}
	value = strings.Trim(strings.TrimSpace(value), "[]")
	fields := strings.Fields(value)
	out := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("bad vector %q: %w", value, err)
		}
		out[i] = v
	}
	return out, nil
}

// WriteLog writes <stem>output.log with the vertex count and MD5 of every
// output frame and the mean point count. It marks the test as done.
func (g *PLYGen) WriteLog(t PLYTest) error {
	f := g.files(t)
	var b strings.Builder
	b.WriteString("grid Sampled + Quantized Log Info: \n")

	var sum int64
	paths := t.frames(f.output)
	for _, p := range paths {
		n, err := PLYVertexCount(p)
		if err != nil {
			return err
		}
		sum += n
		md5sum, err := NormalizedMD5(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "\t%s : %d points\tmd5sum: {'%s'}\n", p, n, md5sum)
	}
	mean := 0.0
	if len(paths) > 0 {
		mean = math.RoundToEven(float64(sum) / float64(len(paths)))
	}
	fmt.Fprintf(&b, "Nb Points Mean= %d\n", int64(mean))

	if err := os.WriteFile(f.log, []byte(b.String()), 0644); err != nil {
		return err
	}
	logger.Info("PLY sequence generated", "test", t.Name, "frames", len(paths), "mean_points", int64(mean))
	return nil
}

// PLYVertexCount reads the "element vertex N" line of a PLY header.
func PLYVertexCount(path string) (int64, error) {
	header, err := readPLYHeader(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(header, "\n") {
		if rest, ok := strings.CutPrefix(line, "element vertex "); ok {
			return strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		}
	}
	return 0, fmt.Errorf("%s: no vertex element", path)
}

// NormalizedMD5 hashes a file with CRLF and trailing CR line endings turned
// into LF, so text PLY files hash the same on every platform.
func NormalizedMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if bytes.HasSuffix(line, []byte("\r\n")) {
			line = append(line[:len(line)-2], '\n')
		} else if bytes.HasSuffix(line, []byte("\r")) {
			line = append(line[:len(line)-1], '\n')
		}
		h.Write(line)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
