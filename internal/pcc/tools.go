package pcc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
)

// ErrToolNotFound is returned when an external binary is missing.
var ErrToolNotFound = errors.New("tool not found")

// Tool is a pinned external repository.
type Tool struct {
	Name    string
	Repo    string // directory name under <deps>/dependencies
	URL     string
	Version string // branch or tag, also the install directory name

	// Commit, when set, is checked out after a full clone instead of
	// shallow-cloning Version.
	Commit string
}

var (
	TMC2 = Tool{
		Name:    "tmc2",
		Repo:    "mpeg-pcc-tmc2",
		URL:     "https://github.com/MPEGGroup/mpeg-pcc-tmc2.git",
		Version: "release-v25.0",
	}
	MMetric = Tool{
		Name:    "mmetric",
		Repo:    "mpeg-pcc-mmetric",
		URL:     "https://github.com/MPEGGroup/mpeg-pcc-mmetric",
		Version: "1_1_7",
	}
	Renderer = Tool{
		Name:    "renderer",
		Repo:    "mpeg-3dg-renderer",
		URL:     "https://github.com/MPEGGroup/mpeg-3dg-renderer.git",
		Version: "8.0",
		Commit:  "c1e09f8",
	}
)

// Tools holds the install directories of the external tools.
type Tools struct {
	TMC2Dir     string
	MMetricDir  string
	RendererDir string
}

func windows() bool {
	return runtime.GOOS == "windows"
}

// Encoder returns the TMC2 encoder path.
func (t Tools) Encoder() string {
	if windows() {
		return filepath.Join(t.TMC2Dir, "bin", "Release", "PccAppEncoder.exe")
	}
	return filepath.Join(t.TMC2Dir, "bin", "PccAppEncoder")
}

// Decoder returns the TMC2 decoder path.
func (t Tools) Decoder() string {
	if windows() {
		return filepath.Join(t.TMC2Dir, "bin", "Release", "PccAppDecoder.exe")
	}
	return filepath.Join(t.TMC2Dir, "bin", "PccAppDecoder")
}

// MM returns the mmetric binary path.
func (t Tools) MM() string {
	if windows() {
		return filepath.Join(t.MMetricDir, "build", "Release", "bin", "Release", "mm.exe")
	}
	return filepath.Join(t.MMetricDir, "build", "Release", "bin", "mm")
}

// RendererBin returns the renderer binary path.
func (t Tools) RendererBin() string {
	if windows() {
		return filepath.Join(t.RendererDir, "bin", "windows", "Release", "PccAppRenderer.exe")
	}
	return filepath.Join(t.RendererDir, "bin", "linux", "Release", "PccAppRenderer")
}

// TMC2Cfg joins elem onto the TMC2 cfg directory.
func (t Tools) TMC2Cfg(elem ...string) string {
	return filepath.Join(append([]string{t.TMC2Dir, "cfg"}, elem...)...)
}

// Require checks that every path exists.
func Require(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s", ErrToolNotFound, p)
		}
	}
	return nil
}

// Installer clones and builds the pinned tools on first use.
type Installer struct {
	// DepsDir receives dependencies/<repo>/<version>.
	DepsDir string

	Git  string
	Bash string

	// Override skips installation of the tools whose directory is set.
	Override Tools

	// SequenceCfgDir, when set, is copied into <tmc2>/cfg/sequence.
	SequenceCfgDir string

	Runner jobs.Runner
}

// Dir returns the install directory of a tool.
func (in *Installer) Dir(tool Tool) string {
	return filepath.Join(in.DepsDir, "dependencies", tool.Repo, tool.Version)
}

func (in *Installer) override(tool Tool) string {
	switch tool {
	case TMC2:
		return in.Override.TMC2Dir
	case MMetric:
		return in.Override.MMetricDir
	case Renderer:
		return in.Override.RendererDir
	}
	return ""
}

// Install makes the given tools available and returns their directories.
func (in *Installer) Install(ctx context.Context, tools ...Tool) (Tools, error) {
	var out Tools
	for _, tool := range tools {
		dir, err := in.install(ctx, tool)
		if err != nil {
			return out, fmt.Errorf("install %s: %w", tool.Name, err)
		}
		switch tool {
		case TMC2:
			out.TMC2Dir = dir
			if in.SequenceCfgDir != "" {
				dst := out.TMC2Cfg("sequence")
				if err := copyDir(in.SequenceCfgDir, dst); err != nil {
					return out, fmt.Errorf("copy sequence configs: %w", err)
				}
				logger.Debug("Sequence configs copied", "from", in.SequenceCfgDir, "to", dst)
			}
		case MMetric:
			out.MMetricDir = dir
		case Renderer:
			out.RendererDir = dir
		}
	}
	return out, nil
}

func (in *Installer) install(ctx context.Context, tool Tool) (string, error) {
	if dir := in.override(tool); dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("override directory: %w", err)
		}
		logger.Info("Using tool override", "tool", tool.Name, "dir", dir)
		return dir, nil
	}

	runner := in.Runner
	if runner == nil {
		runner = &jobs.ExecRunner{}
	}
	git, bash := in.Git, in.Bash
	if git == "" {
		git = "git"
	}
	if bash == "" {
		bash = "bash"
	}

	dir := in.Dir(tool)
	cloned, err := exists(dir)
	if err != nil {
		return "", err
	}
	if !cloned {
		logger.Info("Cloning tool", "tool", tool.Name, "version", tool.Version, "dir", dir)
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return "", err
		}
		if err := runSteps(ctx, runner, cloneSteps(git, tool, dir)); err != nil {
			// a half-cloned directory would pass for an installed tool next time
			os.RemoveAll(dir)
			return "", err
		}
	} else {
		logger.Info("Tool already cloned", "tool", tool.Name, "dir", dir)
	}

	built, err := exists(filepath.Join(dir, "build"))
	if err != nil {
		return "", err
	}
	if !built {
		logger.Info("Building tool", "tool", tool.Name, "dir", dir)
		step := jobs.Step{
			Name:    "build " + tool.Name,
			Args:    []string{bash, "build.sh"},
			Dir:     dir,
			LogPath: filepath.Join(dir, "build.log"),
		}
		if err := runner.RunStep(ctx, step); err != nil {
			return "", err
		}
	} else {
		logger.Info("Tool already built", "tool", tool.Name, "dir", dir)
	}
	return dir, nil
}

// exists reports whether path exists. Errors other than a missing path are
// returned.
func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func cloneSteps(git string, tool Tool, dir string) []jobs.Step {
	if tool.Commit == "" {
		return []jobs.Step{{
			Name: "clone " + tool.Name,
			Args: []string{git, "clone", "--depth", "1", "--branch", tool.Version, tool.URL, dir},
		}}
	}
	return []jobs.Step{
		{Name: "clone " + tool.Name, Args: []string{git, "clone", tool.URL, dir}},
		{Name: "checkout " + tool.Name, Args: []string{git, "-C", dir, "checkout", tool.Commit}},
	}
}

func runSteps(ctx context.Context, runner jobs.Runner, steps []jobs.Step) error {
	for _, s := range steps {
		if err := runner.RunStep(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// copyDir copies the regular files of src into dst, overwriting existing ones.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
