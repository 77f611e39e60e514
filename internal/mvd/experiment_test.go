package mvd

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gwlsn/codecbench/internal/config"
)

func testMatrix() Matrix {
	return Matrix{
		Conditions:  []string{"A"},
		FrameCounts: []int{3},
		Contents:    []string{"Test"},
		Rates:       []string{"RP1"},
		Catalog: map[string]config.ContentSpec{
			"Test": {Views: []string{"v0", "v1"}, PoseTraces: []string{"p01"}, FrameRate: 30},
		},
		OutDir: "out",
	}
}

func TestPointPaths(t *testing.T) {
	p := Point{Condition: "FV", FrameCount: 65, Content: "Bartender", Rate: "RP2", View: "v07", PoseTrace: "p01"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"rp0 dir", p.RP0Dir(), "out/FV65/Bartender/RP0"},
		{"rpx dir", p.RPxDir(), "out/FV65/Bartender/RP2"},
		{"rp0 bitstream", p.RP0Bitstream(), "out/FV65/Bartender/RP0/TMIV_FV65_Bartender_RP0.bit"},
		{"rpx bitstream", p.RPxBitstream(), "out/FV65/Bartender/RP2/TMIV_FV65_Bartender_RP2.bit"},
		{"reconstructed", p.Reconstructed(), "out/FV65/Bartender/RP2/FV65_Bartender_RP2_v07_tex_1920x1080_yuv420p10le.yuv"},
		{"metrics", p.Metrics(), "out/FV65/Bartender/RP2/FV65_Bartender_RP2_v07.qmiv"},
		{"interpolated", p.Interpolated(), "out/FV65/Bartender/RP2/FV65_Bartender_RP2_p01_tex_1920x1080_yuv420p10le.yuv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestVisitOrder(t *testing.T) {
	m := Matrix{
		Conditions:  []string{"A", "FV"},
		FrameCounts: []int{3, 65},
		Contents:    []string{"Test"},
		Rates:       []string{"RP1", "RP2"},
		Catalog:     testMatrix().Catalog,
	}

	var got []string
	m.EachReconstruction(func(p Point) {
		got = append(got, p.Tag()+"/"+p.Rate+"/"+p.View)
	})

	want := []string{
		"A3/RP1/v0", "A3/RP1/v1", "A3/RP2/v0", "A3/RP2/v1",
		"A65/RP1/v0", "A65/RP1/v1", "A65/RP2/v0", "A65/RP2/v1",
		"FV3/RP1/v0", "FV3/RP1/v1", "FV3/RP2/v0", "FV3/RP2/v1",
		"FV65/RP1/v0", "FV65/RP1/v1", "FV65/RP2/v0", "FV65/RP2/v1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("visit order (-want +got):\n%s", diff)
	}

	var poses []string
	m.EachInterpolation(func(p Point) { poses = append(poses, p.PoseTrace) })
	if len(poses) != 8 {
		t.Errorf("got %d interpolations, want 8", len(poses))
	}
}

func TestValidate(t *testing.T) {
	m := testMatrix()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	m.Contents = []string{"Test", "Nope"}
	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "Nope") {
		t.Fatalf("expected unknown content error, got %v", err)
	}

	m = testMatrix()
	m.Rates = nil
	if err := m.Validate(); err == nil {
		t.Error("expected error for empty rate list")
	}
}

func TestNewMatrixDefaults(t *testing.T) {
	m := NewMatrix(config.DefaultConfig().MVD)
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// 3 conditions x 2 frame counts x (3 RP0 + 4 rates x per-rate jobs)
	// per-rate jobs: Bartender 2*21+1+1, Breakfast 2*15+1+1, DanceMoves 2*6+1+1
	want := 3 * 2 * (3 + 4*(44+32+14))
	if got := m.JobCount(); got != want {
		t.Errorf("JobCount() = %d, want %d", got, want)
	}
}

var continuation = regexp.MustCompile(` \$\n +`)

func unwrap(s string) string {
	return continuation.ReplaceAllString(s, " ")
}

func TestWriteBuildFile(t *testing.T) {
	e := &Experiment{Matrix: testMatrix(), ContentDir: "/data/miv", Python: "/usr/bin/python3", ThreadCount: 8}

	var b strings.Builder
	if err := e.WriteBuildFile(&b); err != nil {
		t.Fatalf("WriteBuildFile: %v", err)
	}
	raw := b.String()

	for _, line := range strings.Split(raw, "\n") {
		// only unbreakable lines may exceed the width
		if len(line) > LineWidth && !strings.HasSuffix(line, " $") && strings.Contains(strings.TrimSpace(line), " ") {
			t.Errorf("line exceeds width: %q", line)
		}
	}

	out := unwrap(raw)

	if !strings.HasPrefix(out, "ninja_required_version = 1.11\npython = /usr/bin/python3\ncontent_dir = /data/miv\nthread_count = 8\n\n") {
		t.Errorf("unexpected preamble:\n%s", out[:200])
	}

	wantLines := []string{
		"rule encode_RP0",
		"  command = $python tmiv/bin/encode.py --input-dir $content_dir --output-dir out --content-id $content_id --frame-count $frame_count --rate-id RP0 --encoder-config-file config/conditions/$condition_id/${condition_id}_1_TMIV_encode.json --video-encoder-id HM --install-dir tmiv --config-dir config --thread-count $thread_count",
		"  description = Encode $condition_id$frame_count $content_id RP0",
		"  description = Reconstruct $condition_id$frame_count $content_id $rate_id $view_id",
		"build out/A3/Test/RP0/TMIV_A3_Test_RP0.bit: encode_RP0",
		"build out/A3/Test/RP1/TMIV_A3_Test_RP1.bit: encode_RPx out/A3/Test/RP0/TMIV_A3_Test_RP0.bit",
		"build out/A3/Test/RP1/A3_Test_RP1_v1_tex_1920x1080_yuv420p10le.yuv: reconstruct out/A3/Test/RP1/TMIV_A3_Test_RP1.bit",
		"build out/A3/Test/RP1/A3_Test_RP1_p01_tex_1920x1080_yuv420p10le.yuv: interpolate out/A3/Test/RP1/TMIV_A3_Test_RP1.bit",
		"build out/A3/Test/RP1/A3_Test_RP1_v0.qmiv: measure out/A3/Test/RP1/A3_Test_RP1_v0_tex_1920x1080_yuv420p10le.yuv",
		"  output_frame_count = 12",
		"  pose_trace_id = p01",
	}
	for _, want := range wantLines {
		if !strings.Contains(out, want+"\n") {
			t.Errorf("build file is missing line %q", want)
		}
	}

	if got := strings.Count(out, "\nbuild "); got != e.JobCount() {
		t.Errorf("got %d build edges, want %d", got, e.JobCount())
	}
	if strings.Contains(out, "sbatch") {
		t.Error("local build file must not submit to slurm")
	}
	if !strings.Contains(out, "command = rm -f out/$condition_id$frame_count/$content_id/$rate_id/$condition_id${frame_count}_${content_id}_${rate_id}_${view_id}.qmiv && ./qmiv") {
		t.Error("measure rule does not clear the stale report first")
	}
}

func TestConfigureSlurm(t *testing.T) {
	dir := t.TempDir()
	e := &Experiment{Matrix: testMatrix(), ContentDir: "/data/miv", ThreadCount: 4, Slurm: true, Dir: dir}

	if err := e.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	script := filepath.Join(dir, "slurm_script.sh")
	info, err := os.Stat(script)
	if err != nil {
		t.Fatalf("slurm script not written: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("slurm script mode = %v, want 0755", info.Mode().Perm())
	}
	data, _ := os.ReadFile(script)
	if !strings.HasPrefix(string(data), "#!/bin/sh\n") || !strings.Contains(string(data), "/bin/time -v \"$@\"\n") {
		t.Errorf("unexpected slurm script:\n%s", data)
	}
	if fi, err := os.Stat(filepath.Join(dir, "out", "slurm")); err != nil || !fi.IsDir() {
		t.Error("out/slurm log directory not created")
	}

	build, err := os.ReadFile(filepath.Join(dir, "build.ninja"))
	if err != nil {
		t.Fatal(err)
	}
	out := unwrap(string(build))
	want := "sbatch --wait --job-name=M_${condition_id}_${frame_count}_${content_id}_${rate_id}_${view_id} --error=out/slurm/M_${condition_id}_${frame_count}_${content_id}_${rate_id}_${view_id}-%A.log"
	if !strings.Contains(out, want) {
		t.Errorf("measure rule is not submitted with sbatch")
	}
	if !strings.Contains(out, "--cpus-per-task=$thread_count slurm_script.sh -- tmiv/bin/TmivDecoder") {
		t.Error("decoder rules are not submitted with sbatch")
	}

	// A customised script survives reconfiguration
	if err := os.WriteFile(script, []byte("#!/bin/sh\n#SBATCH --partition=gpu\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := e.Configure(); err != nil {
		t.Fatalf("second Configure: %v", err)
	}
	data, _ = os.ReadFile(script)
	if !strings.Contains(string(data), "--partition=gpu") {
		t.Error("existing slurm script was overwritten")
	}
}

func TestConfigureRequiresContentDir(t *testing.T) {
	e := &Experiment{Matrix: testMatrix(), Dir: t.TempDir()}
	if err := e.Configure(); err == nil {
		t.Error("expected error without content dir")
	}
}
