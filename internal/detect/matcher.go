// Package detect scores frames against the reference slate images and
// debounces the resulting score stream into presence transitions.
package detect

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/balarajuyogesh/hawkeye/internal/config"
	"github.com/balarajuyogesh/hawkeye/internal/source"
)

// ErrScoreCompute marks a recoverable per-frame scoring failure. The frame
// is skipped and counted as dropped; run counters are untouched.
var ErrScoreCompute = errors.New("score compute failed")

// maxReferenceWidth caps the scoring resolution. References wider than
// this are downscaled proportionally so per-frame scoring stays well
// inside the sampling interval.
const maxReferenceWidth = 320

// ssim regularization constants for 8-bit dynamic range (K1=0.01, K2=0.03).
const (
	ssimC1 = (0.01 * 255) * (0.01 * 255)
	ssimC2 = (0.03 * 255) * (0.03 * 255)
)

const ssimWindow = 8

type reference struct {
	label string
	luma  []float64
}

// Matcher scores frames against the loaded reference set. References are
// loaded once at construction and immutable afterwards; Score is
// deterministic for identical frame bytes.
type Matcher struct {
	refs   []reference
	width  int
	height int
}

// NewMatcher fetches and prepares every reference image. The first
// reference fixes the scoring dimensions; all others are normalized to the
// same size. fetch is used for http(s) references; pass nil for a default
// client with a 10s timeout.
func NewMatcher(refs []config.Reference, fetch *http.Client) (*Matcher, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("no reference images configured")
	}
	if fetch == nil {
		fetch = &http.Client{Timeout: 10 * time.Second}
	}

	m := &Matcher{}
	for i, ref := range refs {
		img, err := loadReference(ref.URL, fetch)
		if err != nil {
			return nil, fmt.Errorf("load reference %q: %w", ref.Label, err)
		}
		if i == 0 {
			m.width, m.height = scoringDimensions(img.Bounds())
		}
		scaled := scaleTo(img, m.width, m.height)
		m.refs = append(m.refs, reference{
			label: ref.Label,
			luma:  lumaPlane(scaled),
		})
	}
	return m, nil
}

// Dimensions returns the width and height frames must be scaled to before
// scoring. The frame source uses this to configure its capsfilter.
func (m *Matcher) Dimensions() (width, height int) {
	return m.width, m.height
}

// Labels returns the reference labels in configuration order.
func (m *Matcher) Labels() []string {
	labels := make([]string, len(m.refs))
	for i, r := range m.refs {
		labels[i] = r.label
	}
	return labels
}

// Score compares a raw RGB frame against every reference and returns a
// similarity in [0,1] per label (1 = identical). Identical frame bytes
// always produce identical scores.
func (m *Matcher) Score(f *source.Frame) (map[string]float64, error) {
	if f.Width != m.width || f.Height != m.height {
		return nil, fmt.Errorf("%w: frame %dx%d does not match scoring size %dx%d",
			ErrScoreCompute, f.Width, f.Height, m.width, m.height)
	}
	if len(f.Data) != m.width*m.height*3 {
		return nil, fmt.Errorf("%w: frame buffer %d bytes, want %d (packed RGB)",
			ErrScoreCompute, len(f.Data), m.width*m.height*3)
	}

	frameLuma := rgbLuma(f.Data, m.width, m.height)
	scores := make(map[string]float64, len(m.refs))
	for _, r := range m.refs {
		scores[r.label] = meanSSIM(r.luma, frameLuma, m.width, m.height)
	}
	return scores, nil
}

// meanSSIM computes the mean structural similarity over ssimWindow-sized
// blocks of two luma planes, clamped to [0,1]. Block statistics make the
// measure tolerant of compression noise while still punishing structural
// differences, which a pixel-exact comparison would not.
func meanSSIM(a, b []float64, width, height int) float64 {
	var total float64
	var blocks int

	for by := 0; by < height; by += ssimWindow {
		for bx := 0; bx < width; bx += ssimWindow {
			bw := min(ssimWindow, width-bx)
			bh := min(ssimWindow, height-by)

			var sumA, sumB float64
			n := float64(bw * bh)
			for y := by; y < by+bh; y++ {
				row := y * width
				for x := bx; x < bx+bw; x++ {
					sumA += a[row+x]
					sumB += b[row+x]
				}
			}
			muA, muB := sumA/n, sumB/n

			var varA, varB, cov float64
			for y := by; y < by+bh; y++ {
				row := y * width
				for x := bx; x < bx+bw; x++ {
					da, db := a[row+x]-muA, b[row+x]-muB
					varA += da * da
					varB += db * db
					cov += da * db
				}
			}
			varA /= n
			varB /= n
			cov /= n

			ssim := ((2*muA*muB + ssimC1) * (2*cov + ssimC2)) /
				((muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2))
			total += ssim
			blocks++
		}
	}

	if blocks == 0 {
		return 0
	}
	score := total / float64(blocks)
	// SSIM ranges [-1,1]; anticorrelated blocks count as no similarity.
	return math.Max(0, math.Min(1, score))
}

// loadReference reads image bytes from http(s)://, file:// or a bare path.
func loadReference(url string, fetch *http.Client) (image.Image, error) {
	var raw []byte
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := fetch.Get(url)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch: unexpected status %s", resp.Status)
		}
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
	default:
		path := strings.TrimPrefix(url, "file://")
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

func scoringDimensions(bounds image.Rectangle) (int, int) {
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxReferenceWidth {
		return w, h
	}
	scaled := h * maxReferenceWidth / w
	if scaled < 1 {
		scaled = 1
	}
	return maxReferenceWidth, scaled
}

func scaleTo(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// lumaPlane converts an RGBA image to ITU-R BT.601 luminance.
func lumaPlane(img *image.RGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			r, g, b := img.Pix[i], img.Pix[i+1], img.Pix[i+2]
			out[y*w+x] = 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
		}
	}
	return out
}

// rgbLuma converts a packed RGB frame buffer to luminance.
func rgbLuma(data []byte, width, height int) []float64 {
	out := make([]float64, width*height)
	for p := 0; p < width*height; p++ {
		i := p * 3
		out[p] = 0.299*float64(data[i]) + 0.587*float64(data[i+1]) + 0.114*float64(data[i+2])
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
