package pcc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
)

// RenderConfig is the general configuration of a decode and render campaign.
type RenderConfig struct {
	DecodeThreads int         `json:"nb_th_dec"`
	DecodeFrames  int         `json:"nb_fr_dec"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	RenderJobs    []RenderJob `json:"render_jobs"`
	RenderArgs    string      `json:"render_args"`
	VideoType     int         `json:"video_type"`
}

// RenderJob is one renderer setting applied to every test.
type RenderJob struct {
	Name          string `json:"name"`
	Args          string `json:"args"`
	UseBackground int    `json:"use_background"`
}

// DefaultRenderJob is used when the configuration lists none.
var DefaultRenderJob = RenderJob{Name: "default_cube_size1", Args: "--rendererId=0 --psize=1"}

// RenderTest is one bitstream to decode and render.
type RenderTest struct {
	Name    string  `json:"Name"`
	PathEnc string  `json:"PathEnc"`
	PathDec string  `json:"PathDec"`
	PathVid string  `json:"PathVid"`
	FPS     float64 `json:"FPS"`

	// Config is the renderer background config, relative to the test file.
	Config     string     `json:"Config"`
	CameraPath CameraPath `json:"CameraPath"`
}

// CameraPath is either a built-in camera path index or a camera file.
type CameraPath struct {
	Index *int
	File  string
}

func (c *CameraPath) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		c.Index = &idx
		return nil
	}
	return json.Unmarshal(data, &c.File)
}

func (c CameraPath) MarshalJSON() ([]byte, error) {
	if c.Index != nil {
		return json.Marshal(*c.Index)
	}
	return json.Marshal(c.File)
}

type renderTests struct {
	TestList []RenderTest `json:"TestList"`
}

// LoadRenderConfig reads the render configuration, applying defaults.
func LoadRenderConfig(path string) (*RenderConfig, error) {
	cfg := &RenderConfig{
		DecodeThreads: 1,
		DecodeFrames:  300,
		Width:         1920,
		Height:        1080,
		VideoType:     2,
	}
	if err := readJSON(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRenderTests reads the render test list.
func LoadRenderTests(path string) ([]RenderTest, error) {
	var rt renderTests
	if err := readJSON(path, &rt); err != nil {
		return nil, err
	}
	for i := range rt.TestList {
		if rt.TestList[i].FPS == 0 {
			rt.TestList[i].FPS = 30
		}
	}
	return rt.TestList, nil
}

// Render decodes V-PCC bitstreams to PLY sequences and renders them to videos.
type Render struct {
	Config *RenderConfig
	Tests  []RenderTest

	// TestDir resolves camera and background files.
	TestDir string

	// OutputDir receives decoded PLY directories, videos and scripts.
	OutputDir string

	Tools Tools

	// Force reruns decodes and renders whose output exists.
	Force bool
}

// DecodeJobs returns one job per test with a bitstream whose output directory
// is missing. The output directories are created.
func (r *Render) DecodeJobs() ([]jobs.Request, error) {
	var reqs []jobs.Request
	for _, t := range r.Tests {
		if t.PathEnc == "" {
			logger.Info("Decode skipped, no encoded path provided", "test", t.Name)
			continue
		}
		dir := filepath.Join(r.OutputDir, t.PathDec)
		if _, err := os.Stat(dir); err == nil && !r.Force {
			logger.Info("Decode skipped, output folder already exists", "test", t.Name, "dir", dir)
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		args := []string{
			r.Tools.Decoder(),
			"--compressedStreamPath=" + resolvePath(t.PathEnc, r.OutputDir),
			"--inverseColorSpaceConversionConfig=" + r.Tools.TMC2Cfg("hdrconvert", "yuv420torgb444.cfg"),
			"--nbThread=" + strconv.Itoa(r.Config.DecodeThreads),
			"--frameCount=" + strconv.Itoa(r.Config.DecodeFrames),
			"--reconstructedDataPath=" + filepath.Join(dir, t.Name) + "_dec_%04d.ply",
		}
		reqs = append(reqs, jobs.Request{
			Name: t.Name + " decode",
			Kind: jobs.KindDecode,
			Steps: []jobs.Step{{
				Name:    "decode",
				Args:    args,
				LogPath: filepath.Join(dir, t.Name+"_decoder.log"),
			}},
		})
	}
	return reqs, nil
}

func (r *Render) renderJobs() []RenderJob {
	if len(r.Config.RenderJobs) == 0 {
		logger.Info("No render job found in configuration, using the default job", "job", DefaultRenderJob.Name)
		return []RenderJob{DefaultRenderJob}
	}
	return r.Config.RenderJobs
}

// VideoJobs returns one job per test with a step per render job whose video
// is missing. Forced renders remove the previous videos first. Decoded PLY
// directories must exist.
func (r *Render) VideoJobs() ([]jobs.Request, error) {
	renderJobs := r.renderJobs()

	var reqs []jobs.Request
	for _, t := range r.Tests {
		plyDir := filepath.Join(r.OutputDir, t.PathDec)
		if _, err := os.Stat(plyDir); err != nil {
			return nil, fmt.Errorf("test %s: decoded sequence: %w", t.Name, err)
		}
		camera, err := r.cameraArg(t)
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", t.Name, err)
		}

		vidDir := filepath.Join(r.OutputDir, t.PathVid)
		var steps []jobs.Step
		for _, j := range renderJobs {
			video := t.Name + "_" + j.Name
			exists, err := hasFilePrefix(vidDir, video)
			if err != nil {
				return nil, err
			}
			if exists && !r.Force {
				logger.Info("Render skipped, file already exists", "video", video)
				continue
			}
			if err := os.MkdirAll(vidDir, 0755); err != nil {
				return nil, err
			}

			args := []string{
				r.Tools.RendererBin(),
				"-d", plyDir + string(filepath.Separator),
				"-o", filepath.Join(vidDir, video),
				camera,
			}
			args = append(args, strings.Fields(r.Config.RenderArgs)...)
			args = append(args, strings.Fields(j.Args)...)
			args = append(args,
				"--width="+strconv.Itoa(r.Config.Width),
				"--height="+strconv.Itoa(r.Config.Height),
				"--fps="+formatFloat(t.FPS),
			)
			if j.UseBackground == 1 && t.Config != "" {
				args = append(args, "--config="+resolvePath(t.Config, r.TestDir))
			}

			step := jobs.Step{Name: "render " + j.Name, Args: args}
			if exists {
				step.Remove = []string{filepath.Join(vidDir, video+"*")}
			}
			steps = append(steps, step)
		}
		if len(steps) > 0 {
			reqs = append(reqs, jobs.Request{Name: t.Name + " render", Kind: jobs.KindRender, Steps: steps})
		}
	}
	return reqs, nil
}

func (r *Render) cameraArg(t RenderTest) (string, error) {
	if t.CameraPath.Index != nil {
		return "--cameraPathIndex=" + strconv.Itoa(*t.CameraPath.Index), nil
	}
	path := resolvePath(t.CameraPath.File, r.TestDir)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("camera file: %w", err)
	}
	return "--camera=" + path, nil
}

func hasFilePrefix(dir, prefix string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return true, nil
		}
	}
	return false, nil
}

// WriteScripts exports the commands of reqs as executable shell scripts named
// after prefix, in the given mode:
//
//	full: <prefix>.sh with every command
//	test: <prefix>_<i>.sh per job
//	job:  <prefix>_<i>_<j>.sh per step
func WriteScripts(dir, prefix, mode string, reqs []jobs.Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var written []string
	write := func(name string, steps ...jobs.Step) error {
		var b strings.Builder
		for _, s := range steps {
			if len(s.Args) == 0 {
				continue
			}
			b.WriteString(jobs.CommandLine(s.Args))
			b.WriteString("\n\n")
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(b.String()), 0774); err != nil {
			return err
		}
		// WriteFile leaves the mode of an existing file alone
		if err := os.Chmod(path, 0774); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}

	switch mode {
	case "full":
		var all []jobs.Step
		for _, req := range reqs {
			all = append(all, req.Steps...)
		}
		if err := write(prefix+".sh", all...); err != nil {
			return written, err
		}
	case "test":
		for i, req := range reqs {
			if err := write(fmt.Sprintf("%s_%d.sh", prefix, i), req.Steps...); err != nil {
				return written, err
			}
		}
	case "job":
		for i, req := range reqs {
			for j, s := range req.Steps {
				if err := write(fmt.Sprintf("%s_%d_%d.sh", prefix, i, j), s); err != nil {
					return written, err
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown script mode %q", mode)
	}
	return written, nil
}
