package mvd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gwlsn/codecbench/internal/logger"
	"github.com/gwlsn/codecbench/internal/ninja"
)

// LineWidth is the wrap width of the generated build file.
const LineWidth = 100

const (
	buildFileName   = "build.ninja"
	slurmScriptName = "slurm_script.sh"
)

// Experiment generates the build graph of a MIV experiment.
type Experiment struct {
	Matrix

	// ContentDir has one sub-directory per content item with the source views.
	ContentDir string

	// Python runs tmiv/bin/encode.py.
	Python string

	// ThreadCount is the thread budget of each job.
	ThreadCount int

	// Slurm submits every job with sbatch instead of running it locally.
	Slurm bool

	// Dir receives build.ninja and slurm_script.sh (default ".").
	Dir string
}

// Configure writes build.ninja, and slurm_script.sh when Slurm is set.
func (e *Experiment) Configure() error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ContentDir == "" {
		return fmt.Errorf("content directory is required")
	}

	dir := e.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if e.Slurm {
		if err := e.writeSlurmScript(dir); err != nil {
			return err
		}
		// sbatch fails when the log directory is missing
		if err := os.MkdirAll(filepath.Join(dir, e.outDir(), "slurm"), 0755); err != nil {
			return err
		}
	}

	path := filepath.Join(dir, buildFileName)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := e.WriteBuildFile(bw); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	logger.Info("Build file written", "path", path, "jobs", e.JobCount(), "slurm", e.Slurm)
	return nil
}

// WriteBuildFile writes the ninja build graph to out.
func (e *Experiment) WriteBuildFile(out io.Writer) error {
	w := ninja.NewWriter(out, LineWidth)

	e.writePreamble(w)
	e.writeRules(w)

	e.EachRP0Encoding(func(p Point) {
		w.Build(ninja.Build{
			Outputs:   []string{p.RP0Bitstream()},
			Rule:      "encode_RP0",
			Variables: p.vars(),
		})
		w.Newline()
	})
	e.EachRPxEncoding(func(p Point) {
		w.Build(ninja.Build{
			Outputs:   []string{p.RPxBitstream()},
			Inputs:    []string{p.RP0Bitstream()},
			Rule:      "encode_RPx",
			Variables: p.vars(),
		})
		w.Newline()
	})
	e.EachReconstruction(func(p Point) {
		w.Build(ninja.Build{
			Outputs:   []string{p.Reconstructed()},
			Inputs:    []string{p.RPxBitstream()},
			Rule:      "reconstruct",
			Variables: p.vars(),
		})
		w.Newline()
	})
	e.EachInterpolation(func(p Point) {
		w.Build(ninja.Build{
			Outputs: []string{p.Interpolated()},
			Inputs:  []string{p.RPxBitstream()},
			Rule:    "interpolate",
			Variables: []ninja.Var{
				{Key: "condition_id", Value: p.Condition},
				{Key: "frame_count", Value: fmt.Sprint(p.FrameCount)},
				{Key: "output_frame_count", Value: fmt.Sprint(4 * p.FrameCount)},
				{Key: "content_id", Value: p.Content},
				{Key: "rate_id", Value: p.Rate},
				{Key: "pose_trace_id", Value: p.PoseTrace},
			},
		})
		w.Newline()
	})
	e.EachReconstruction(func(p Point) {
		w.Build(ninja.Build{
			Outputs:   []string{p.Metrics()},
			Inputs:    []string{p.Reconstructed()},
			Rule:      "measure",
			Variables: p.vars(),
		})
		w.Newline()
	})

	return w.Err()
}

func (e *Experiment) writePreamble(w *ninja.Writer) {
	python := e.Python
	if python == "" {
		python = "python3"
	}
	threads := e.ThreadCount
	if threads < 1 {
		threads = 1
	}
	w.Variable("ninja_required_version", "1.11", 0)
	w.Variable("python", python, 0)
	w.Variable("content_dir", e.ContentDir, 0)
	w.Variable("thread_count", fmt.Sprint(threads), 0)
	w.Newline()
}

func (e *Experiment) writeRules(w *ninja.Writer) {
	out := e.outDir()
	tag := "$condition_id$frame_count"
	rpxDir := out + "/" + tag + "/$content_id/$rate_id"
	stem := "$condition_id${frame_count}_${content_id}_${rate_id}_${view_id}"

	w.Rule(ninja.Rule{
		Name: "encode_RP0",
		Command: e.launch("E_${condition_id}_${frame_count}_${content_id}") +
			"$python tmiv/bin/encode.py" +
			" --input-dir $content_dir" +
			" --output-dir " + out +
			" --content-id $content_id" +
			" --frame-count $frame_count" +
			" --rate-id RP0" +
			" --encoder-config-file config/conditions/$condition_id/${condition_id}_1_TMIV_encode.json" +
			" --video-encoder-id HM" +
			" --install-dir tmiv" +
			" --config-dir config" +
			" --thread-count $thread_count",
		Description: "Encode " + tag + " $content_id RP0",
	})
	w.Newline()

	w.Rule(ninja.Rule{
		Name: "encode_RPx",
		Command: e.launch("E_${condition_id}_${frame_count}_${content_id}_${rate_id}") +
			"$python tmiv/bin/encode.py" +
			" --input-dir $content_dir" +
			" --output-dir " + out +
			" --content-id $content_id" +
			" --frame-count $frame_count" +
			" --rate-id $rate_id" +
			" --encoder-config-file config/conditions/$condition_id/${condition_id}_1_TMIV_encode.json" +
			" --multiplexer-config-file config/conditions/$condition_id/${condition_id}_3_TMIV_mux.json" +
			" --video-encoder-config-file tmiv/share/config/hm/encoder_randomaccess_main10.cfg" +
			" --qp-file config/fixed_QPs.csv" +
			" --video-encoder-id HM" +
			" --config-dir config" +
			" --install-dir tmiv" +
			" --thread-count $thread_count",
		Description: "Encode " + tag + " $content_id $rate_id",
	})
	w.Newline()

	decoder := " -c config/conditions/$condition_id/${condition_id}_4_TMIV_decode.json" +
		" -p configDirectory config" +
		" -p inputDirectory " + out +
		" -p outputDirectory " + out +
		" -j $thread_count"

	w.Rule(ninja.Rule{
		Name: "reconstruct",
		Command: e.launch("R_${condition_id}_${frame_count}_${content_id}_${rate_id}_${view_id}") +
			"tmiv/bin/TmivDecoder" +
			" -s $content_id" +
			" -n $frame_count" +
			" -N $frame_count" +
			" -r $rate_id" +
			" -v $view_id" +
			decoder,
		Description: "Reconstruct " + tag + " $content_id $rate_id $view_id",
	})
	w.Newline()

	w.Rule(ninja.Rule{
		Name: "interpolate",
		Command: e.launch("I_${condition_id}_${frame_count}_${content_id}_${rate_id}_${pose_trace_id}") +
			"tmiv/bin/TmivDecoder" +
			" -s $content_id" +
			" -n $frame_count" +
			" -N $output_frame_count" +
			" -r $rate_id" +
			" -P $pose_trace_id" +
			decoder,
		Description: "Interpolate " + tag + " $content_id $rate_id $pose_trace_id",
	})
	w.Newline()

	// A stale report from an interrupted run would otherwise be appended to.
	w.Rule(ninja.Rule{
		Name: "measure",
		Command: "rm -f " + rpxDir + "/" + stem + ".qmiv" +
			" && " + e.launch("M_${condition_id}_${frame_count}_${content_id}_${rate_id}_${view_id}") +
			"./qmiv" +
			" -i0 $content_dir/$content_id/${view_id}_texture_1920x1080_yuv420p10le.yuv" +
			" -i1 " + rpxDir + "/" + stem + "_tex_1920x1080_yuv420p10le.yuv" +
			" -r " + rpxDir + "/" + stem + ".qmiv" +
			" -pw 1920 -ph 1080 -bd 10 -cf 420" +
			" -s0 0 -s1 0 -nf $frame_count" +
			" -nth $thread_count",
		Description: "Measure " + tag + " $content_id $rate_id $view_id",
	})
	w.Newline()
}

// launch returns the sbatch prefix of a job, or "" when running locally.
// --wait keeps ninja from starting dependent jobs before the outputs exist.
func (e *Experiment) launch(job string) string {
	if !e.Slurm {
		return ""
	}
	logFile := e.outDir() + "/slurm/" + job + "-%A.log"
	return "sbatch --wait --job-name=" + job +
		" --error=" + logFile + " --output=" + logFile +
		" --cpus-per-task=$thread_count " + slurmScriptName + " -- "
}

// writeSlurmScript creates slurm_script.sh unless it exists, so local edits
// to the sbatch parameters survive reconfiguration.
func (e *Experiment) writeSlurmScript(dir string) error {
	path := filepath.Join(dir, slurmScriptName)
	if _, err := os.Stat(path); err == nil {
		logger.Debug("Keeping existing slurm script", "path", path)
		return nil
	}

	script := "#!/bin/sh\n" +
		"# Additional sbatch parameters can be added here. See https://slurm.schedmd.com/sbatch.html\n\n" +
		"set -e\n" +
		"/bin/time -v \"$@\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return err
	}
	// WriteFile honours the umask
	return os.Chmod(path, 0755)
}
