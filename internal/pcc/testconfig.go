package pcc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrSequenceNotFound is returned when a test names a SeqId that the sequence
// list does not describe.
var ErrSequenceNotFound = errors.New("sequence not found")

// TestConfig is a point-cloud test description.
type TestConfig struct {
	TestList []Test `json:"TestList"`
}

// Test is one encoder configuration swept over a set of sequences.
type Test struct {
	TestName      string     `json:"TestName"`
	Profile       string     `json:"Profile"`
	EncoderParams []string   `json:"EncoderParams"`
	SeqList       []SeqEntry `json:"SeqList"`
}

// SeqEntry lists the frame counts and rate points of one sequence.
type SeqEntry struct {
	SeqID       int    `json:"SeqId"`
	Condition   string `json:"Condition"` // RA or AI
	FrameNbList []int  `json:"FrameNbList"`
	RateList    []Rate `json:"RateList"`
}

// Rate is one rate point of the V-PCC encoder.
type Rate struct {
	RateID             int `json:"RateId"`
	GeometryQP         int `json:"geometryQP"`
	AttributeQP        int `json:"attributeQP"`
	OccupancyPrecision int `json:"occupancyPrecision"`
}

// SequenceList describes the available point-cloud sequences.
type SequenceList struct {
	SequenceList []Sequence `json:"SequenceList"`
}

// Sequence is one point-cloud content item.
type Sequence struct {
	SeqID int     `json:"SeqId"`
	Name  string  `json:"Name"`
	Fps   float64 `json:"Fps"`

	// Config is the TMC2 sequence .cfg file name under <tmc2>/cfg/sequence.
	Config string `json:"Config"`

	// PlyPath is the source PLY directory, relative to the output directory
	// unless absolute.
	PlyPath string `json:"PlyPath"`
}

// Lookup returns the sequence with the given id.
func (l *SequenceList) Lookup(id int) (Sequence, error) {
	for _, s := range l.SequenceList {
		if s.SeqID == id {
			return s, nil
		}
	}
	return Sequence{}, fmt.Errorf("%w: S%d", ErrSequenceNotFound, id)
}

// LoadTestConfig reads a test description JSON file.
func LoadTestConfig(path string) (*TestConfig, error) {
	var tc TestConfig
	if err := readJSON(path, &tc); err != nil {
		return nil, err
	}
	for _, t := range tc.TestList {
		if t.TestName == "" || t.Profile == "" {
			return nil, fmt.Errorf("%s: every test needs a TestName and a Profile", path)
		}
		for _, s := range t.SeqList {
			if _, err := ConditionConfig(s.Condition); err != nil {
				return nil, fmt.Errorf("%s: test %s: %w", path, t.TestName, err)
			}
		}
	}
	return &tc, nil
}

// LoadSequences reads a sequence list JSON file.
func LoadSequences(path string) (*SequenceList, error) {
	var sl SequenceList
	if err := readJSON(path, &sl); err != nil {
		return nil, err
	}
	return &sl, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ConditionConfig returns the TMC2 condition .cfg file of a coding condition.
func ConditionConfig(condition string) (string, error) {
	switch condition {
	case "RA":
		return "ctc-random-access.cfg", nil
	case "AI":
		return "ctc-all-intra.cfg", nil
	}
	return "", fmt.Errorf("unknown condition %q (want RA or AI)", condition)
}

// SequenceCfg holds the TMC2 sequence .cfg values the harness needs.
type SequenceCfg struct {
	FrameCount           int
	StartFrame           int
	UncompressedDataPath string // relative to the PLY directory, contains %04d
	GeometryBitDepth     int
}

// Resolution is the --resolution value for the encoder.
func (c SequenceCfg) Resolution() int {
	if c.GeometryBitDepth == 10 {
		return 1023
	}
	return 2047
}

// ParseSequenceCfg reads the "key: value" lines of a TMC2 sequence config.
// Text after '#' is ignored.
func ParseSequenceCfg(r io.Reader) (SequenceCfg, error) {
	var cfg SequenceCfg
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "frameCount":
			cfg.FrameCount, err = strconv.Atoi(value)
		case "startFrameNumber":
			cfg.StartFrame, err = strconv.Atoi(value)
		case "geometry3dCoordinatesBitdepth":
			cfg.GeometryBitDepth, err = strconv.Atoi(value)
		case "uncompressedDataPath":
			cfg.UncompressedDataPath = value
		}
		if err != nil {
			return cfg, fmt.Errorf("bad %s value %q: %w", key, value, err)
		}
	}
	return cfg, scanner.Err()
}

// ReadSequenceCfg parses the sequence config at path.
func ReadSequenceCfg(path string) (SequenceCfg, error) {
	f, err := os.Open(path)
	if err != nil {
		return SequenceCfg{}, err
	}
	defer f.Close()

	cfg, err := ParseSequenceCfg(f)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// resolvePath joins a relative path onto base.
func resolvePath(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// configStem is the file name of path without directory and extension.
func configStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
