package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gwlsn/codecbench/internal/config"
	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
	"github.com/gwlsn/codecbench/internal/pcc"
)

var pccCmd = &cobra.Command{
	Use:   "pcc",
	Short: "Video-based point cloud compression (V-PCC) campaigns",
}

var pccDepsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Install TMC2, mmetric and the renderer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		tools, err := installer().Install(ctx, pcc.TMC2, pcc.MMetric, pcc.Renderer)
		if err != nil {
			return err
		}
		fmt.Println("tmc2:    ", tools.TMC2Dir)
		fmt.Println("mmetric: ", tools.MMetricDir)
		fmt.Println("renderer:", tools.RendererDir)
		return nil
	},
}

var encodeFlags struct {
	tests     string
	sequences string
	opts      pcc.Options
	noReport  bool
}

var pccEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Run the encode, decode and metric tasks of a test configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		bench, err := loadBench(ctx, encodeFlags.tests, encodeFlags.sequences)
		if err != nil {
			return err
		}
		bench.Options = encodeFlags.opts
		if err := pcc.Require(bench.Tools.Encoder(), bench.Tools.Decoder(), bench.Tools.MM()); err != nil {
			return err
		}

		tasks, err := bench.Plan()
		if err != nil {
			return err
		}
		reqs, err := bench.Jobs(tasks)
		if err != nil {
			return err
		}
		logger.Info("Tasks planned", "tasks", len(tasks), "to_run", len(reqs))

		if err := runJobs(ctx, reqs); err != nil {
			return err
		}
		if encodeFlags.noReport {
			return nil
		}
		return writeReport(bench, tasks)
	},
}

var pccReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the metrics CSV files and workbooks of a test configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		bench, err := loadBench(ctx, encodeFlags.tests, encodeFlags.sequences)
		if err != nil {
			return err
		}
		tasks, err := bench.Plan()
		if err != nil {
			return err
		}
		return writeReport(bench, tasks)
	},
}

var metricsFPS float64

var pccMetricsCmd = &cobra.Command{
	Use:   "metrics <encoder.log> <decoder.log> [mm.log]",
	Short: "Print the metrics extracted from task logs",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		mmLog := ""
		if len(args) == 3 {
			mmLog = args[2]
		}
		m, err := pcc.ExtractMetrics(args[0], args[1], mmLog)
		if err != nil {
			return err
		}
		fmt.Print(m.Summary())
		fmt.Printf("\t%-24s= %s (%.3f Mbps at %g fps)\n", "bitstream",
			humanize.Bytes(uint64(m.TotalBytes)), m.Bitrate(metricsFPS), metricsFPS)
		return nil
	},
}

var fillFlags struct {
	sequences int
	rates     int
	testIndex int
}

var pccFillCmd = &cobra.Command{
	Use:   "fill <metrics.csv> <out.xlsm>",
	Short: "Fill the reporting workbook template from a metrics CSV",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		layout := cfg.Spreadsheet
		sequences := fillFlags.sequences
		if sequences <= 0 {
			sequences = len(layout.Sequences)
		}
		rates := fillFlags.rates
		if rates <= 0 {
			rates = layout.RatesPerSeq
		}
		if err := pcc.FillWorkbook(layout, args[1], args[0], sequences, rates, fillFlags.testIndex); err != nil {
			return err
		}
		fmt.Println(args[1])
		return nil
	},
}

var renderFlags struct {
	tests       string
	config      string
	decodeOnly  bool
	videoOnly   bool
	force       bool
	noRun       bool
	scripts     bool
	scriptsMode string
}

var pccRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Decode V-PCC bitstreams and render them to videos",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runRender(ctx)
	},
}

var plyTests string

var pccPLYCmd = &cobra.Command{
	Use:   "ply",
	Short: "Sample and quantize mesh sequences into PLY frames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		tests, err := pcc.LoadPLYTests(plyTests)
		if err != nil {
			return err
		}
		tools, err := installer().Install(ctx, pcc.MMetric)
		if err != nil {
			return err
		}
		if err := pcc.Require(tools.MM()); err != nil {
			return err
		}

		q, closeStore, err := openQueue()
		if err != nil {
			return err
		}
		defer closeStore()

		gen := &pcc.PLYGen{OutputDir: cfg.OutputDir, MM: tools.MM(), Tests: tests}
		return gen.Run(ctx, &pcc.Executor{Queue: q, Runner: &jobs.ExecRunner{}, Workers: cfg.Workers})
	},
}

func init() {
	for _, c := range []*cobra.Command{pccEncodeCmd, pccReportCmd} {
		c.Flags().StringVarP(&encodeFlags.tests, "tests", "t", "", "test configuration JSON")
		c.Flags().StringVarP(&encodeFlags.sequences, "sequences", "s", "", "sequence list JSON")
		c.MarkFlagRequired("tests")
		c.MarkFlagRequired("sequences")
	}
	f := pccEncodeCmd.Flags()
	f.BoolVar(&encodeFlags.opts.ForceEncode, "force-encode", false, "encode even when a bitstream exists")
	f.BoolVar(&encodeFlags.opts.ForceDecode, "force-decode", false, "decode even when the decoder log is complete")
	f.BoolVar(&encodeFlags.opts.ForceMetric, "force-metric", false, "recompute metrics even when the mm log is complete")
	f.BoolVar(&encodeFlags.opts.KeepDecoded, "keep-decoded", false, "keep decoded PLY files after the metrics")
	f.IntVar(&encodeFlags.opts.Threads, "threads", 1, "encoder threads per task")
	f.BoolVar(&encodeFlags.noReport, "no-report", false, "skip the CSV and workbook stage")

	pccMetricsCmd.Flags().Float64Var(&metricsFPS, "fps", 30, "frame rate used for the bitrate")

	pccFillCmd.Flags().IntVar(&fillFlags.sequences, "sequences", 0, "number of sequences to write (default: every sequence of the layout)")
	pccFillCmd.Flags().IntVar(&fillFlags.rates, "rates", 0, "number of rates per sequence to write (default: rates_per_sequence)")
	pccFillCmd.Flags().IntVar(&fillFlags.testIndex, "test-index", 0, "data column block to fill")

	rf := pccRenderCmd.Flags()
	rf.StringVarP(&renderFlags.tests, "tests", "t", "", "render test list JSON")
	rf.StringVar(&renderFlags.config, "render-config", "", "render configuration JSON")
	rf.BoolVar(&renderFlags.decodeOnly, "decode-only", false, "only decode bitstreams")
	rf.BoolVar(&renderFlags.videoOnly, "video-only", false, "only render already decoded sequences")
	rf.BoolVar(&renderFlags.force, "force", false, "redo decodes and videos whose output exists")
	rf.BoolVar(&renderFlags.noRun, "no-run", false, "plan the commands without running them")
	rf.BoolVar(&renderFlags.scripts, "scripts", false, "write the commands to shell scripts in the output directory")
	rf.StringVar(&renderFlags.scriptsMode, "scripts-mode", config.DefaultScriptMode, "script layout: full, test or job")
	pccRenderCmd.MarkFlagRequired("tests")
	pccRenderCmd.MarkFlagRequired("render-config")
	pccRenderCmd.MarkFlagsMutuallyExclusive("decode-only", "video-only")

	pccPLYCmd.Flags().StringVarP(&plyTests, "tests", "t", "", "mesh test list JSON")
	pccPLYCmd.MarkFlagRequired("tests")

	pccCmd.AddCommand(pccDepsCmd, pccEncodeCmd, pccReportCmd, pccMetricsCmd, pccFillCmd, pccRenderCmd, pccPLYCmd)
}

func installer() *pcc.Installer {
	return &pcc.Installer{
		DepsDir: cfg.DepsDir,
		Git:     cfg.Tools.Git,
		Bash:    cfg.Tools.Bash,
		Override: pcc.Tools{
			TMC2Dir:     cfg.Tools.TMC2Dir,
			MMetricDir:  cfg.Tools.MMetricDir,
			RendererDir: cfg.Tools.RendererDir,
		},
		SequenceCfgDir: cfg.Tools.SequenceCfgDir,
		Runner:         &jobs.ExecRunner{},
	}
}

func loadBench(ctx context.Context, testsPath, sequencesPath string) (*pcc.Bench, error) {
	tests, err := pcc.LoadTestConfig(testsPath)
	if err != nil {
		return nil, err
	}
	sequences, err := pcc.LoadSequences(sequencesPath)
	if err != nil {
		return nil, err
	}
	tools, err := installer().Install(ctx, pcc.TMC2, pcc.MMetric)
	if err != nil {
		return nil, err
	}
	return &pcc.Bench{
		OutputDir:      cfg.OutputDir,
		TestConfigPath: testsPath,
		Tests:          tests,
		Sequences:      sequences,
		Tools:          tools,
	}, nil
}

// runJobs runs reqs through the persisted queue and prints a summary.
func runJobs(ctx context.Context, reqs []jobs.Request) error {
	if len(reqs) == 0 {
		fmt.Println("Nothing to do")
		return nil
	}
	q, closeStore, err := openQueue()
	if err != nil {
		return err
	}
	defer closeStore()

	start := time.Now()
	exec := &pcc.Executor{Queue: q, Runner: &jobs.ExecRunner{}, Workers: cfg.Workers}
	done, err := exec.Run(ctx, reqs)
	if err != nil {
		return err
	}

	complete := lo.CountBy(done, func(j *jobs.Job) bool { return j.Status == jobs.StatusComplete })
	busy := lo.SumBy(done, func(j *jobs.Job) time.Duration { return j.Elapsed() })
	fmt.Printf("%s of %s jobs complete in %s (%s of job time)\n",
		humanize.Comma(int64(complete)), humanize.Comma(int64(len(done))),
		time.Since(start).Round(time.Second), busy.Round(time.Second))
	for _, j := range done {
		if j.Status == jobs.StatusFailed {
			fmt.Printf("  failed after %s: %s: %s\n", j.Elapsed().Round(time.Second), j.Name, j.Error)
		}
	}
	return nil
}

func writeReport(bench *pcc.Bench, tasks []*pcc.Task) error {
	rep, err := bench.Report(tasks, cfg.Spreadsheet)
	if err != nil {
		return err
	}
	profiles := lo.Keys(rep.Tests)
	slices.Sort(profiles)
	for _, profile := range profiles {
		fmt.Printf("%s: %d/%d tests succeeded\n", profile, rep.Succeeded[profile], rep.Tests[profile])
	}
	for _, path := range append(rep.CSVs, rep.Workbooks...) {
		fmt.Println(path)
	}
	return nil
}

func runRender(ctx context.Context) error {
	renderCfg, err := pcc.LoadRenderConfig(renderFlags.config)
	if err != nil {
		return err
	}
	tests, err := pcc.LoadRenderTests(renderFlags.tests)
	if err != nil {
		return err
	}
	mode := renderFlags.scriptsMode
	if !config.IsValidScriptMode(mode) {
		return fmt.Errorf("invalid scripts mode %q (valid: %v)", mode, config.ValidScriptModes)
	}

	tools, err := installer().Install(ctx, pcc.TMC2, pcc.Renderer)
	if err != nil {
		return err
	}
	r := &pcc.Render{
		Config:    renderCfg,
		Tests:     tests,
		TestDir:   filepath.Dir(renderFlags.tests),
		OutputDir: cfg.OutputDir,
		Tools:     tools,
		Force:     renderFlags.force,
	}

	if !renderFlags.videoOnly {
		reqs, err := r.DecodeJobs()
		if err != nil {
			return err
		}
		// decodes are one command per test
		decMode := mode
		if decMode == "job" {
			decMode = "test"
		}
		if err := exportAndRun(ctx, "dec", decMode, reqs, tools.Decoder()); err != nil {
			return err
		}
	}
	if !renderFlags.decodeOnly {
		reqs, err := r.VideoJobs()
		if err != nil {
			return err
		}
		if err := exportAndRun(ctx, "vid", mode, reqs, tools.RendererBin()); err != nil {
			return err
		}
	}
	return nil
}

func exportAndRun(ctx context.Context, prefix, mode string, reqs []jobs.Request, binary string) error {
	if renderFlags.scripts {
		written, err := pcc.WriteScripts(cfg.OutputDir, prefix, mode, reqs)
		if err != nil {
			return err
		}
		for _, path := range written {
			fmt.Println(path)
		}
	}
	if renderFlags.noRun {
		logger.Info("Commands not run", "jobs", len(reqs), "prefix", prefix)
		return nil
	}
	if len(reqs) > 0 {
		if err := pcc.Require(binary); err != nil {
			return err
		}
	}
	return runJobs(ctx, reqs)
}
