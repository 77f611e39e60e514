// Package mvd configures and collects MPEG immersive video (MIV) coding
// experiments run with the TMIV reference software.
package mvd

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/samber/lo"

	"github.com/gwlsn/codecbench/internal/config"
	"github.com/gwlsn/codecbench/internal/ninja"
)

// ErrUnknownContent is returned for content ids missing from the catalog.
var ErrUnknownContent = errors.New("unknown content id")

// DefaultOutDir is where TMIV writes bitstreams and reconstructions.
const DefaultOutDir = "out"

// Matrix is the set of test points of one experiment.
type Matrix struct {
	Conditions  []string
	FrameCounts []int
	Contents    []string
	Rates       []string
	Catalog     map[string]config.ContentSpec

	// OutDir prefixes every generated path (default "out").
	OutDir string
}

// NewMatrix builds a matrix from the mvd section of the config.
func NewMatrix(c config.MVDConfig) Matrix {
	catalog := c.Catalog
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	return Matrix{
		Conditions:  c.Conditions,
		FrameCounts: c.FrameCounts,
		Contents:    c.Contents,
		Rates:       c.Rates,
		Catalog:     catalog,
		OutDir:      DefaultOutDir,
	}
}

// Validate checks that every content id has a catalog entry with at least
// one view.
func (m Matrix) Validate() error {
	unknown := lo.Reject(m.Contents, func(id string, _ int) bool {
		entry, ok := m.Catalog[id]
		return ok && len(entry.Views) > 0
	})
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownContent, strings.Join(unknown, ", "))
	}
	if len(m.Conditions) == 0 || len(m.FrameCounts) == 0 || len(m.Contents) == 0 || len(m.Rates) == 0 {
		return errors.New("experiment matrix is empty")
	}
	return nil
}

// Point is one coordinate in the matrix. View and PoseTrace are only set by
// the visitors that iterate over them.
type Point struct {
	Condition  string
	FrameCount int
	Content    string
	Rate       string
	View       string
	PoseTrace  string

	out string
}

// EachRP0Encoding visits condition, frame count and content.
func (m Matrix) EachRP0Encoding(fn func(Point)) {
	for _, c := range m.Conditions {
		for _, fc := range m.FrameCounts {
			for _, content := range m.Contents {
				fn(Point{Condition: c, FrameCount: fc, Content: content, out: m.outDir()})
			}
		}
	}
}

// EachRPxEncoding visits every RP0 coordinate for each rate point.
func (m Matrix) EachRPxEncoding(fn func(Point)) {
	m.EachRP0Encoding(func(p Point) {
		for _, rate := range m.Rates {
			p.Rate = rate
			fn(p)
		}
	})
}

// EachReconstruction visits every RPx coordinate for each source view.
func (m Matrix) EachReconstruction(fn func(Point)) {
	m.EachRPxEncoding(func(p Point) {
		for _, view := range m.Catalog[p.Content].Views {
			p.View = view
			fn(p)
		}
	})
}

// EachInterpolation visits every RPx coordinate for each pose trace.
func (m Matrix) EachInterpolation(fn func(Point)) {
	m.EachRPxEncoding(func(p Point) {
		for _, pose := range m.Catalog[p.Content].PoseTraces {
			p.PoseTrace = pose
			fn(p)
		}
	})
}

// JobCount returns the number of build steps the matrix expands to.
func (m Matrix) JobCount() int {
	perRate := lo.SumBy(m.Contents, func(id string) int {
		entry := m.Catalog[id]
		// reconstruct + measure per view, interpolate per pose trace
		return 2*len(entry.Views) + len(entry.PoseTraces) + 1
	})
	rp0 := len(m.Contents)
	return len(m.Conditions) * len(m.FrameCounts) * (rp0 + len(m.Rates)*perRate)
}

func (m Matrix) outDir() string {
	if m.OutDir == "" {
		return DefaultOutDir
	}
	return m.OutDir
}

// Tag is the condition id followed by the frame count, e.g. "A3".
func (p Point) Tag() string {
	return fmt.Sprintf("%s%d", p.Condition, p.FrameCount)
}

func (p Point) root() string {
	if p.out == "" {
		return DefaultOutDir
	}
	return p.out
}

// RP0Dir is out/{tag}/{content}/RP0.
func (p Point) RP0Dir() string {
	return path.Join(p.root(), p.Tag(), p.Content, "RP0")
}

// RPxDir is out/{tag}/{content}/{rate}.
func (p Point) RPxDir() string {
	return path.Join(p.root(), p.Tag(), p.Content, p.Rate)
}

// RP0Bitstream is the bitstream of the uncompressed-video anchor encoding.
func (p Point) RP0Bitstream() string {
	return path.Join(p.RP0Dir(), fmt.Sprintf("TMIV_%s_%s_RP0.bit", p.Tag(), p.Content))
}

// RPxBitstream is the bitstream of the rate point.
func (p Point) RPxBitstream() string {
	return path.Join(p.RPxDir(), fmt.Sprintf("TMIV_%s_%s_%s.bit", p.Tag(), p.Content, p.Rate))
}

// Reconstructed is the decoded texture of one source view.
func (p Point) Reconstructed() string {
	return path.Join(p.RPxDir(), fmt.Sprintf("%s_%s_%s_%s_tex_1920x1080_yuv420p10le.yuv", p.Tag(), p.Content, p.Rate, p.View))
}

// Metrics is the QMIV report of one source view.
func (p Point) Metrics() string {
	return path.Join(p.RPxDir(), fmt.Sprintf("%s_%s_%s_%s.qmiv", p.Tag(), p.Content, p.Rate, p.View))
}

// Interpolated is the texture rendered along a pose trace.
func (p Point) Interpolated() string {
	return path.Join(p.RPxDir(), fmt.Sprintf("%s_%s_%s_%s_tex_1920x1080_yuv420p10le.yuv", p.Tag(), p.Content, p.Rate, p.PoseTrace))
}

// vars returns the ninja variables identifying the point, in a stable order.
func (p Point) vars() []ninja.Var {
	vars := []ninja.Var{
		{Key: "condition_id", Value: p.Condition},
		{Key: "frame_count", Value: fmt.Sprint(p.FrameCount)},
		{Key: "content_id", Value: p.Content},
	}
	if p.Rate != "" {
		vars = append(vars, ninja.Var{Key: "rate_id", Value: p.Rate})
	}
	if p.View != "" {
		vars = append(vars, ninja.Var{Key: "view_id", Value: p.View})
	}
	return vars
}
