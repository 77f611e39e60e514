package pcc

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samber/lo"

	"github.com/gwlsn/codecbench/internal/jobs"
)

const plyHeaderWithNormals = `ply
format ascii 1.0
element vertex 3
property float x
property float y
property float z
property float nx
property float ny
property float nz
end_header
0 0 0 0 0 1
`

// setupBench creates a TMC2 layout, a source sequence and a test config with
// two frame counts and two rates.
func setupBench(t *testing.T) *Bench {
	t.Helper()
	root := t.TempDir()
	tmc2 := filepath.Join(root, "tmc2")
	out := filepath.Join(root, "out")

	writeFile(t, filepath.Join(tmc2, "cfg", "sequence", "longdress_vox10.cfg"),
		"uncompressedDataPath : longdress_vox10_%04d.ply\nframeCount : 32\nstartFrameNumber : 1051\ngeometry3dCoordinatesBitdepth : 10\n")
	writeFile(t, filepath.Join(out, "ply", "longdress", "longdress_vox10_1051.ply"), plyHeaderWithNormals)

	return &Bench{
		OutputDir:      out,
		TestConfigPath: filepath.Join(root, "ctc.json"),
		Tests: &TestConfig{TestList: []Test{{
			TestName:      "anchor",
			Profile:       "C2RA",
			EncoderParams: []string{"--tileSegmentationType=1 --enhancedOccupancyMapCode=1"},
			SeqList: []SeqEntry{{
				SeqID:       1,
				Condition:   "RA",
				FrameNbList: []int{8, 64},
				RateList: []Rate{
					{RateID: 1, GeometryQP: 32, AttributeQP: 42, OccupancyPrecision: 4},
					{RateID: 2, GeometryQP: 28, AttributeQP: 37, OccupancyPrecision: 4},
				},
			}},
		}}},
		Sequences: &SequenceList{SequenceList: []Sequence{{
			SeqID:   1,
			Name:    "longdress",
			Fps:     30,
			Config:  "longdress_vox10.cfg",
			PlyPath: "ply/longdress",
		}}},
		Tools: Tools{TMC2Dir: tmc2, MMetricDir: filepath.Join(root, "mm")},
	}
}

func TestPlan(t *testing.T) {
	b := setupBench(t)
	tasks, err := b.Plan()
	if err != nil {
		t.Fatal(err)
	}

	names := lo.Map(tasks, func(t *Task, _ int) string { return t.Name() })
	want := []string{
		"C2RA_S1_F8_anchor_R01",
		"C2RA_S1_F8_anchor_R02",
		"C2RA_S1_F32_anchor_R01", // 64 is capped at the 32 frames of the sequence
		"C2RA_S1_F32_anchor_R02",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("task names (-want +got):\n%s", diff)
	}

	task := tasks[1]
	dir := filepath.Join(b.OutputDir, "F8_anchor", "S1C2RA_longdress")
	paths := map[string]string{
		"dir":     task.Dir,
		"encoder": task.EncoderLog(),
		"decoder": task.DecoderLog(),
		"mm":      task.MMLog(),
		"command": task.CommandLog(),
		"bin":     task.Bitstream(),
		"decoded": task.Decoded(),
		"source":  task.Source(),
	}
	wantPaths := map[string]string{
		"dir":     dir,
		"encoder": filepath.Join(dir, "S1C2RAR0002_longdress_encoder.log"),
		"decoder": filepath.Join(dir, "S1C2RAR0002_longdress_decoder.log"),
		"mm":      filepath.Join(dir, "S1C2RAR0002_longdress_mm.log"),
		"command": filepath.Join(dir, "S1C2RAR0002_longdress_command.log"),
		"bin":     filepath.Join(dir, "S1C2RAR0002_longdress_enc.bin"),
		"decoded": filepath.Join(dir, "S1C2RAR0002_longdress_dec_%04d.ply"),
		"source":  filepath.Join(b.OutputDir, "ply", "longdress", "longdress_vox10_%04d.ply"),
	}
	if diff := cmp.Diff(wantPaths, paths); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
	if task.SeqIndex != 0 || task.FrameIndex != 0 || task.RateIndex != 1 {
		t.Errorf("indexes = %d/%d/%d", task.SeqIndex, task.FrameIndex, task.RateIndex)
	}
}

func TestPlanUnknownSequence(t *testing.T) {
	b := setupBench(t)
	b.Tests.TestList[0].SeqList[0].SeqID = 9
	if _, err := b.Plan(); err == nil {
		t.Fatal("expected an error for an unknown sequence")
	}
}

func TestEffectiveFrames(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("f_%04d.ply", i)), "ply\n")
	}
	writeFile(t, filepath.Join(dir, "notes.txt"), "")

	tests := []struct {
		requested, available, want int
	}{
		{8, 32, 8},
		{64, 32, 32},
		{AllFrames, 32, 3},
		{AllFrames, 2, 2},
		{8, 0, 8},
	}
	for _, tt := range tests {
		got, err := effectiveFrames(tt.requested, tt.available, dir)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("effectiveFrames(%d, %d) = %d, want %d", tt.requested, tt.available, got, tt.want)
		}
	}
}

func stepNames(steps []jobs.Step) []string {
	return lo.Map(steps, func(s jobs.Step, _ int) string { return s.Name })
}

func TestStepsCascade(t *testing.T) {
	b := setupBench(t)
	tasks, err := b.Plan()
	if err != nil {
		t.Fatal(err)
	}
	task := tasks[0]

	check := func(opts Options, want ...string) {
		t.Helper()
		steps, err := task.Steps(b.Tools, opts)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, stepNames(steps)); diff != "" {
			t.Errorf("steps (-want +got):\n%s", diff)
		}
	}

	check(Options{}, "encode", "decode", "metric", "clean")

	// a finished encoder log without a bitstream is not an encode
	writeFile(t, task.EncoderLog(), "Processing time (wall): 12.5 s\n")
	check(Options{}, "encode", "decode", "metric", "clean")

	writeFile(t, task.Bitstream(), "bits")
	check(Options{}, "decode", "metric", "clean")

	writeFile(t, task.DecoderLog(), "Processing time (wall): 3.0 s\n")
	check(Options{KeepDecoded: true}, "metric")

	writeFile(t, task.MMLog(), "Time on overall processing: 10\n")
	check(Options{})
	if !task.Success() {
		t.Error("Success() = false with all logs complete")
	}

	check(Options{ForceMetric: true}, "metric", "clean")
	check(Options{ForceDecode: true}, "decode", "metric", "clean")
	check(Options{ForceEncode: true, KeepDecoded: true}, "encode", "decode", "metric")
}

func TestStepArgs(t *testing.T) {
	b := setupBench(t)
	tasks, err := b.Plan()
	if err != nil {
		t.Fatal(err)
	}
	task := tasks[0]

	steps, err := task.Steps(b.Tools, Options{Threads: 4})
	if err != nil {
		t.Fatal(err)
	}
	encode, decode, metric, clean := steps[0], steps[1], steps[2], steps[3]

	if encode.Args[0] != b.Tools.Encoder() {
		t.Errorf("encoder = %q", encode.Args[0])
	}
	for _, arg := range []string{
		"--config=" + filepath.Join(b.Tools.TMC2Dir, "cfg", "condition", "ctc-random-access.cfg"),
		"--config=" + task.CfgPath,
		"--normalDataPath=" + task.Source(),
		"--nbThread=4",
		"--frameCount=8",
		"--resolution=1023",
		"--geometryQP=32",
		"--attributeQP=42",
		"--occupancyPrecision=4",
	} {
		if !slices.Contains(encode.Args, arg) {
			t.Errorf("encode args lack %q: %v", arg, encode.Args)
		}
	}
	tail := encode.Args[len(encode.Args)-2:]
	if diff := cmp.Diff([]string{"--tileSegmentationType=1", "--enhancedOccupancyMapCode=1"}, tail); diff != "" {
		t.Errorf("encoder params (-want +got):\n%s", diff)
	}
	if encode.LogPath != task.EncoderLog() || encode.CommandLog != task.CommandLog() {
		t.Errorf("encode logs = %q, %q", encode.LogPath, encode.CommandLog)
	}
	if diff := cmp.Diff([]string{task.CommandLog()}, encode.Remove); diff != "" {
		t.Errorf("encode should restart the command log: %s", diff)
	}

	if !slices.Contains(decode.Args, "--startFrameNumber=1051") ||
		!slices.Contains(decode.Args, "--reconstructedDataPath="+task.Decoded()) {
		t.Errorf("decode args = %v", decode.Args)
	}

	wantMetric := []string{
		b.Tools.MM(),
		"sequence", "--firstFrame", "1051", "--lastFrame", "1058", "END",
		"compare", "--mode", "pcc", "--inputModelA", task.Source(), "--inputModelB", task.Decoded(), "END",
		"compare", "--mode", "pcqm", "--inputModelA", task.Source(), "--inputModelB", task.Decoded(),
	}
	if diff := cmp.Diff(wantMetric, metric.Args); diff != "" {
		t.Errorf("metric args (-want +got):\n%s", diff)
	}
	if metric.LogPath != task.MMLog() {
		t.Errorf("metric log = %q", metric.LogPath)
	}

	if len(clean.Args) != 0 || len(clean.Remove) != 1 {
		t.Errorf("clean step = %+v", clean)
	}
}

func TestCleanPatternMatchesDecodedFrames(t *testing.T) {
	b := setupBench(t)
	tasks, _ := b.Plan()
	task := tasks[0]

	decoded := fmt.Sprintf(task.Decoded(), 1051)
	other := filepath.Join(task.Dir, "S1C2RAR0002_longdress_dec_1051.ply")
	writeFile(t, decoded, "ply\n")
	writeFile(t, other, "ply\n")
	writeFile(t, task.EncoderLog(), "")

	steps, _ := task.Steps(b.Tools, Options{})
	clean := steps[len(steps)-1]
	if err := (&jobs.ExecRunner{}).RunStep(t.Context(), clean); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(decoded); !os.IsNotExist(err) {
		t.Error("decoded frame should be removed")
	}
	for _, keep := range []string{other, task.EncoderLog()} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("%s should be kept: %v", keep, err)
		}
	}
}

func TestNoNormals(t *testing.T) {
	b := setupBench(t)
	writeFile(t, filepath.Join(b.OutputDir, "ply", "longdress", "longdress_vox10_1051.ply"),
		"ply\nformat binary_little_endian 1.0\nelement vertex 1\nproperty float x\nend_header\n\x00\x01nx")

	tasks, _ := b.Plan()
	steps, err := tasks[0].Steps(b.Tools, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(steps[0].Args, "--normalDataPath=") {
		t.Errorf("expected an empty normal path: %v", steps[0].Args)
	}
}

func TestMissingSourceFailsEncode(t *testing.T) {
	b := setupBench(t)
	os.Remove(filepath.Join(b.OutputDir, "ply", "longdress", "longdress_vox10_1051.ply"))

	tasks, _ := b.Plan()
	if _, err := tasks[0].Steps(b.Tools, Options{}); err == nil {
		t.Fatal("expected an error without a source frame")
	}
}

func TestJobsSkipsFinishedTasks(t *testing.T) {
	b := setupBench(t)
	tasks, _ := b.Plan()
	done := tasks[0]
	writeFile(t, done.EncoderLog(), "Processing time (wall): 1\n")
	writeFile(t, done.Bitstream(), "x")
	writeFile(t, done.DecoderLog(), "Processing time (wall): 1\n")
	writeFile(t, done.MMLog(), "Time on overall processing: 1\n")

	reqs, err := b.Jobs(tasks)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}
	for _, r := range reqs {
		if r.Kind != jobs.KindEncode || r.Name == done.Name() {
			t.Errorf("unexpected request %s (%s)", r.Name, r.Kind)
		}
	}
}
