package pcc

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
)

// AllFrames as a requested frame count means every PLY of the source directory.
const AllFrames = 1000

// Markers written by the tools when they finish.
const (
	codecDoneMarker  = "Processing time (wall):"
	metricDoneMarker = "Time on overall processing:"
)

// Options control which steps of a task run.
type Options struct {
	ForceEncode bool
	ForceDecode bool
	ForceMetric bool

	// KeepDecoded skips the removal of decoded PLY files after the metrics.
	KeepDecoded bool

	// Threads is the encoder --nbThread value (default 1).
	Threads int
}

// Bench is a point-cloud test campaign: a test config run against a sequence
// list with a set of tools.
type Bench struct {
	OutputDir string

	// TestConfigPath names the CSV and workbook files after its stem.
	TestConfigPath string

	Tests     *TestConfig
	Sequences *SequenceList
	Tools     Tools
	Options   Options
}

// Task is one rate point of one sequence at one frame count.
type Task struct {
	TestName      string
	Profile       string
	EncoderParams []string

	Sequence  Sequence
	Condition string
	Frames    int
	Rate      Rate

	// Indexes in the test config, used to lay out reports.
	SeqIndex   int
	FrameIndex int
	RateIndex  int

	Cfg      SequenceCfg
	CfgPath  string
	InputDir string

	// Dir is <out>/F{n}_{test}/S{seq}C2{cond}_{name}.
	Dir    string
	Prefix string
}

// Plan expands the test config into tasks, in test, sequence, frame count and
// rate order.
func (b *Bench) Plan() ([]*Task, error) {
	var tasks []*Task
	for _, test := range b.Tests.TestList {
		for sIdx, entry := range test.SeqList {
			seq, err := b.Sequences.Lookup(entry.SeqID)
			if err != nil {
				return nil, fmt.Errorf("test %s: %w", test.TestName, err)
			}
			cfgPath := b.Tools.TMC2Cfg("sequence", seq.Config)
			cfg, err := ReadSequenceCfg(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("test %s: %w", test.TestName, err)
			}
			inputDir := resolvePath(seq.PlyPath, b.OutputDir)

			for fIdx, requested := range entry.FrameNbList {
				frames, err := effectiveFrames(requested, cfg.FrameCount, inputDir)
				if err != nil {
					return nil, err
				}
				if frames != requested {
					logger.Warn("Frame count reduced", "sequence", seq.Name, "requested", requested, "available", frames)
				}

				for rIdx, rate := range entry.RateList {
					t := &Task{
						TestName:      test.TestName,
						Profile:       test.Profile,
						EncoderParams: test.EncoderParams,
						Sequence:      seq,
						Condition:     entry.Condition,
						Frames:        frames,
						Rate:          rate,
						SeqIndex:      sIdx,
						FrameIndex:    fIdx,
						RateIndex:     rIdx,
						Cfg:           cfg,
						CfgPath:       cfgPath,
						InputDir:      inputDir,
					}
					t.Dir = filepath.Join(b.OutputDir,
						fmt.Sprintf("F%d_%s", frames, test.TestName),
						fmt.Sprintf("S%dC2%s_%s", seq.SeqID, entry.Condition, seq.Name))
					t.Prefix = fmt.Sprintf("S%dC2%sR%04d_%s", seq.SeqID, entry.Condition, rate.RateID, seq.Name)
					tasks = append(tasks, t)
				}
			}
		}
	}
	return tasks, nil
}

// effectiveFrames resolves AllFrames and caps the count at what the sequence
// config declares.
func effectiveFrames(requested, available int, inputDir string) (int, error) {
	frames := requested
	if requested == AllFrames {
		matches, err := filepath.Glob(filepath.Join(inputDir, "*.ply"))
		if err != nil {
			return 0, err
		}
		frames = len(matches)
	}
	if available > 0 && available < frames {
		frames = available
	}
	return frames, nil
}

// Name identifies the task in the job queue.
func (t *Task) Name() string {
	return fmt.Sprintf("%s_S%d_F%d_%s_R%02d", t.Profile, t.Sequence.SeqID, t.Frames, t.TestName, t.Rate.RateID)
}

func (t *Task) file(suffix string) string {
	return filepath.Join(t.Dir, t.Prefix+suffix)
}

func (t *Task) CommandLog() string { return t.file("_command.log") }
func (t *Task) EncoderLog() string { return t.file("_encoder.log") }
func (t *Task) DecoderLog() string { return t.file("_decoder.log") }
func (t *Task) MMLog() string      { return t.file("_mm.log") }
func (t *Task) Bitstream() string  { return t.file("_enc.bin") }

// Decoded is the decoder output pattern (%04d is the frame number).
func (t *Task) Decoded() string { return t.file("_dec_%04d.ply") }

// Source is the source PLY pattern.
func (t *Task) Source() string {
	return filepath.Join(t.InputDir, t.Cfg.UncompressedDataPath)
}

// EncodeDone reports whether a previous encode finished.
func (t *Task) EncodeDone() bool {
	if _, err := os.Stat(t.Bitstream()); err != nil {
		return false
	}
	return fileContains(t.EncoderLog(), codecDoneMarker)
}

// DecodeDone reports whether a previous decode finished.
func (t *Task) DecodeDone() bool {
	return fileContains(t.DecoderLog(), codecDoneMarker)
}

// MetricDone reports whether a previous metric run finished.
func (t *Task) MetricDone() bool {
	return fileContains(t.MMLog(), metricDoneMarker)
}

// Success is true when all three logs are complete.
func (t *Task) Success() bool {
	return fileContains(t.EncoderLog(), codecDoneMarker) && t.DecodeDone() && t.MetricDone()
}

func fileContains(path, marker string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(marker))
}

// Steps returns what is left to do for the task. A step that runs forces every
// later step, so decoded files and metrics always match the bitstream. Nil
// means the task is complete.
func (t *Task) Steps(tools Tools, opts Options) ([]jobs.Step, error) {
	encode := opts.ForceEncode || !t.EncodeDone()
	decode := encode || opts.ForceDecode || !t.DecodeDone()
	metric := decode || opts.ForceMetric || !t.MetricDone()
	if !metric {
		return nil, nil
	}

	var steps []jobs.Step
	if encode {
		args, err := t.encodeArgs(tools, opts)
		if err != nil {
			return nil, err
		}
		steps = append(steps, jobs.Step{
			Name:       "encode",
			Args:       args,
			LogPath:    t.EncoderLog(),
			CommandLog: t.CommandLog(),
			// a new encode starts a new command log
			Remove: []string{t.CommandLog()},
		})
	}
	if decode {
		steps = append(steps, jobs.Step{
			Name:       "decode",
			Args:       t.decodeArgs(tools),
			LogPath:    t.DecoderLog(),
			CommandLog: t.CommandLog(),
		})
	}
	steps = append(steps, jobs.Step{
		Name:       "metric",
		Args:       t.metricArgs(tools),
		LogPath:    t.MMLog(),
		CommandLog: t.CommandLog(),
	})
	if !opts.KeepDecoded {
		steps = append(steps, jobs.Step{
			Name:   "clean",
			Remove: []string{filepath.Join(t.Dir, "*"+t.Prefix+"*ply")},
		})
	}
	return steps, nil
}

func (t *Task) encodeArgs(tools Tools, opts Options) ([]string, error) {
	condCfg, err := ConditionConfig(t.Condition)
	if err != nil {
		return nil, err
	}

	normals := ""
	has, err := HasNormals(framePath(t.Source(), t.Cfg.StartFrame))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.Name(), err)
	}
	if has {
		normals = t.Source()
	}

	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}

	sep := string(filepath.Separator)
	args := []string{
		tools.Encoder(),
		"--config=" + tools.TMC2Cfg("common", "ctc-common.cfg"),
		"--config=" + tools.TMC2Cfg("condition", condCfg),
		"--config=" + t.CfgPath,
		"--configurationFolder=" + tools.TMC2Cfg() + sep,
		"--uncompressedDataFolder=" + t.InputDir + sep,
		"--compressedStreamPath=" + t.Bitstream(),
		"--normalDataPath=" + normals,
		"--nbThread=" + strconv.Itoa(threads),
		"--frameCount=" + strconv.Itoa(t.Frames),
		"--resolution=" + strconv.Itoa(t.Cfg.Resolution()),
		"--geometryQP=" + strconv.Itoa(t.Rate.GeometryQP),
		"--attributeQP=" + strconv.Itoa(t.Rate.AttributeQP),
		"--occupancyPrecision=" + strconv.Itoa(t.Rate.OccupancyPrecision),
	}
	for _, p := range t.EncoderParams {
		args = append(args, strings.Fields(p)...)
	}
	return args, nil
}

func (t *Task) decodeArgs(tools Tools) []string {
	return []string{
		tools.Decoder(),
		"--startFrameNumber=" + strconv.Itoa(t.Cfg.StartFrame),
		"--compressedStreamPath=" + t.Bitstream(),
		"--reconstructedDataPath=" + t.Decoded(),
		"--inverseColorSpaceConversionConfig=" + tools.TMC2Cfg("hdrconvert", "yuv420toyuv444_16bit.cfg"),
		"--nbThread=1",
	}
}

func (t *Task) metricArgs(tools Tools) []string {
	first := t.Cfg.StartFrame
	last := first + t.Frames - 1
	src, dec := t.Source(), t.Decoded()
	return []string{
		tools.MM(),
		"sequence", "--firstFrame", strconv.Itoa(first), "--lastFrame", strconv.Itoa(last), "END",
		"compare", "--mode", "pcc", "--inputModelA", src, "--inputModelB", dec, "END",
		"compare", "--mode", "pcqm", "--inputModelA", src, "--inputModelB", dec,
	}
}

// framePath replaces the first %04d of pattern with the frame number.
func framePath(pattern string, frame int) string {
	return strings.Replace(pattern, "%04d", fmt.Sprintf("%04d", frame), 1)
}

// HasNormals reports whether the header of a PLY file declares an nx property.
func HasNormals(path string) (bool, error) {
	header, err := readPLYHeader(path)
	if err != nil {
		return false, err
	}
	return strings.Contains(header, "nx"), nil
}

// readPLYHeader returns the bytes up to and including "end_header". The body
// may be binary.
func readPLYHeader(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var header bytes.Buffer
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		header.Write(line)
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("end_header")) || err != nil {
			break
		}
	}
	return header.String(), nil
}

// Jobs turns the unfinished tasks into queue requests. Tasks with nothing
// left to do are logged and skipped.
func (b *Bench) Jobs(tasks []*Task) ([]jobs.Request, error) {
	var reqs []jobs.Request
	for _, t := range tasks {
		steps, err := t.Steps(b.Tools, b.Options)
		if err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			logger.Info("Already done", "task", t.Name())
			continue
		}
		logger.Debug("Task planned", "task", t.Name(), "steps", lo.Map(steps, func(s jobs.Step, _ int) string {
			return s.Name
		}))
		reqs = append(reqs, jobs.Request{Name: t.Name(), Kind: jobs.KindEncode, Steps: steps})
	}
	return reqs, nil
}
