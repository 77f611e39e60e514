package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// LogLevel is one of debug, info, warn, error (default info)
	LogLevel string `yaml:"log_level"`

	// LogFormat selects the slog handler: "text" (default) or "json"
	LogFormat string `yaml:"log_format"`

	// Workers is the number of tasks run concurrently by the local runner (default 1)
	Workers int `yaml:"workers"`

	// OutputDir receives bitstreams, logs, CSV files and workbooks (default "out")
	OutputDir string `yaml:"output_dir"`

	// DepsDir is where external tools are cloned and built.
	// Tools land in <deps_dir>/dependencies/<repo>/<version>.
	DepsDir string `yaml:"deps_dir"`

	// DatabasePath is the SQLite job ledger (default <output_dir>/codecbench.db)
	DatabasePath string `yaml:"database_path"`

	// Python is the interpreter written into build.ninja for the TMIV encode script
	Python string `yaml:"python"`

	Tools       ToolsConfig       `yaml:"tools"`
	MVD         MVDConfig         `yaml:"mvd"`
	Spreadsheet SpreadsheetConfig `yaml:"spreadsheet"`
}

// ToolsConfig locates the external binaries. Empty override directories mean
// "use the pinned copy under deps_dir".
type ToolsConfig struct {
	Git  string `yaml:"git"`
	Bash string `yaml:"bash"`

	TMC2Dir     string `yaml:"tmc2_dir"`
	MMetricDir  string `yaml:"mmetric_dir"`
	RendererDir string `yaml:"renderer_dir"`

	// SequenceCfgDir holds extra TMC2 sequence .cfg files copied into
	// <tmc2>/cfg/sequence after installation.
	SequenceCfgDir string `yaml:"sequence_cfg_dir"`
}

// MVDConfig drives the MIV experiment matrix.
type MVDConfig struct {
	ContentDir  string   `yaml:"content_dir"`
	Conditions  []string `yaml:"conditions"`
	FrameCounts []int    `yaml:"frame_counts"`
	Contents    []string `yaml:"contents"`
	Rates       []string `yaml:"rates"`
	ThreadCount int      `yaml:"thread_count"`
	Slurm       bool     `yaml:"slurm"`

	// Catalog maps content ids to views, pose traces and frame rate.
	// Entries here replace the built-in ones.
	Catalog map[string]ContentSpec `yaml:"catalog"`
}

// ContentSpec describes one MIV content item.
type ContentSpec struct {
	Views      []string `yaml:"views"`
	PoseTraces []string `yaml:"pose_traces"`
	FrameRate  float64  `yaml:"frame_rate"`
}

// SpreadsheetConfig is the cell layout of the CTC reporting workbook.
type SpreadsheetConfig struct {
	Template       string   `yaml:"template"`
	Sheet          string   `yaml:"sheet"`
	Sequences      []string `yaml:"sequences"`
	RatesPerSeq    int      `yaml:"rates_per_sequence"`
	StartRow       int      `yaml:"start_row"`
	DataColumns    []int    `yaml:"data_columns"`
	PointsColumn   int      `yaml:"points_column"`
	FramesColumn   int      `yaml:"frames_column"`
	InvalidIsBlank bool     `yaml:"invalid_is_blank"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Workers:   1,
		OutputDir: "out",
		DepsDir:   ".",
		Python:    "python3",
		Tools: ToolsConfig{
			Git:  "git",
			Bash: "bash",
		},
		MVD: MVDConfig{
			Conditions:  []string{"A", "FV", "SCV"},
			FrameCounts: []int{3, 65},
			Contents:    []string{"Bartender", "Breakfast", "DanceMoves"},
			Rates:       []string{"RP1", "RP2", "RP3", "RP4"},
			ThreadCount: 4,
			Catalog:     DefaultCatalog(),
		},
		Spreadsheet: DefaultSpreadsheet(),
	}
}

// DefaultCatalog returns the MIV content items known out of the box.
func DefaultCatalog() map[string]ContentSpec {
	return map[string]ContentSpec{
		"Breakfast": {
			Views:      viewIDs(15, "v%d"),
			PoseTraces: []string{"p02"},
			FrameRate:  30,
		},
		"Bartender": {
			Views:      viewIDs(21, "v%02d"),
			PoseTraces: []string{"p01"},
			FrameRate:  30,
		},
		"DanceMoves": {
			Views:      viewIDs(6, "v%d"),
			PoseTraces: []string{"p02"},
			FrameRate:  15,
		},
	}
}

// DefaultSpreadsheet returns the layout of the lossy random access CTC sheet.
func DefaultSpreadsheet() SpreadsheetConfig {
	return SpreadsheetConfig{
		Template:       "templates/FALL_3GPP_template.xlsm",
		Sheet:          "C2 lossy RA",
		Sequences:      []string{"S1", "S2", "S3", "S4", "S5"},
		RatesPerSeq:    5,
		StartRow:       5,
		DataColumns:    []int{15, 31},
		PointsColumn:   4,
		FramesColumn:   6,
		InvalidIsBlank: true,
	}
}

func viewIDs(n int, format string) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf(format, i)
	}
	return ids
}

// Load reads config from a YAML file, applying defaults for missing values
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file - use defaults
			return cfg, nil
		}
		return nil, err
	}

	// The built-in catalog is merged below, not replaced wholesale.
	cfg.MVD.Catalog = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.DepsDir == "" {
		c.DepsDir = def.DepsDir
	}
	if c.Python == "" {
		c.Python = def.Python
	}
	if c.Tools.Git == "" {
		c.Tools.Git = def.Tools.Git
	}
	if c.Tools.Bash == "" {
		c.Tools.Bash = def.Tools.Bash
	}
	if len(c.MVD.Conditions) == 0 {
		c.MVD.Conditions = def.MVD.Conditions
	}
	if len(c.MVD.FrameCounts) == 0 {
		c.MVD.FrameCounts = def.MVD.FrameCounts
	}
	if len(c.MVD.Contents) == 0 {
		c.MVD.Contents = def.MVD.Contents
	}
	if len(c.MVD.Rates) == 0 {
		c.MVD.Rates = def.MVD.Rates
	}
	if c.MVD.ThreadCount < 1 {
		c.MVD.ThreadCount = def.MVD.ThreadCount
	}
	catalog := DefaultCatalog()
	for id, content := range c.MVD.Catalog {
		catalog[id] = content
	}
	c.MVD.Catalog = catalog

	s := &c.Spreadsheet
	if s.Template == "" {
		s.Template = def.Spreadsheet.Template
	}
	if s.Sheet == "" {
		s.Sheet = def.Spreadsheet.Sheet
	}
	if len(s.Sequences) == 0 {
		s.Sequences = def.Spreadsheet.Sequences
	}
	if s.RatesPerSeq < 1 {
		s.RatesPerSeq = def.Spreadsheet.RatesPerSeq
	}
	if s.StartRow < 1 {
		s.StartRow = def.Spreadsheet.StartRow
	}
	if len(s.DataColumns) == 0 {
		s.DataColumns = def.Spreadsheet.DataColumns
	}
	if s.PointsColumn < 1 {
		s.PointsColumn = def.Spreadsheet.PointsColumn
	}
	if s.FramesColumn < 1 {
		s.FramesColumn = def.Spreadsheet.FramesColumn
	}
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetDatabasePath returns the ledger location, defaulting into the output dir.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.OutputDir, "codecbench.db")
}
