package detect

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/balarajuyogesh/hawkeye/internal/config"
	"github.com/balarajuyogesh/hawkeye/internal/source"
)

// writeFlatPNG writes a width x height PNG filled with one color and
// returns its path.
func writeFlatPNG(t *testing.T, name string, width, height int, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	return path
}

// flatFrame builds a packed RGB frame filled with one color.
func flatFrame(width, height int, c color.RGBA) *source.Frame {
	data := make([]byte, width*height*3)
	for p := 0; p < width*height; p++ {
		data[p*3] = c.R
		data[p*3+1] = c.G
		data[p*3+2] = c.B
	}
	return &source.Frame{
		Seq:       1,
		Timestamp: time.Unix(1700000000, 0),
		Width:     width,
		Height:    height,
		Data:      data,
	}
}

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{A: 255}
)

func TestMatcherScoresIdenticalAndDifferent(t *testing.T) {
	ref := writeFlatPNG(t, "slate.png", 64, 48, white)
	m, err := NewMatcher([]config.Reference{{URL: ref, Label: "slate"}}, nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	w, h := m.Dimensions()
	if w != 64 || h != 48 {
		t.Fatalf("dimensions = %dx%d, want 64x48", w, h)
	}

	t.Run("matching frame scores near 1", func(t *testing.T) {
		scores, err := m.Score(flatFrame(w, h, white))
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if scores["slate"] < 0.99 {
			t.Fatalf("score = %v, want >= 0.99 for identical content", scores["slate"])
		}
	})

	t.Run("opposite frame scores near 0", func(t *testing.T) {
		scores, err := m.Score(flatFrame(w, h, black))
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if scores["slate"] > 0.05 {
			t.Fatalf("score = %v, want <= 0.05 for opposite content", scores["slate"])
		}
	})
}

func TestMatcherDeterministic(t *testing.T) {
	ref := writeFlatPNG(t, "slate.png", 32, 32, color.RGBA{R: 40, G: 120, B: 200, A: 255})
	m, err := NewMatcher([]config.Reference{{URL: ref, Label: "slate"}}, nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	frame := flatFrame(32, 32, color.RGBA{R: 200, G: 40, B: 120, A: 255})
	first, err := m.Score(frame)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := m.Score(frame)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if again["slate"] != first["slate"] {
			t.Fatalf("run %d: score %v differs from first %v for identical bytes",
				i, again["slate"], first["slate"])
		}
	}
}

func TestMatcherMultipleReferences(t *testing.T) {
	intro := writeFlatPNG(t, "intro.png", 64, 48, white)
	outro := writeFlatPNG(t, "outro.png", 64, 48, black)
	m, err := NewMatcher([]config.Reference{
		{URL: intro, Label: "intro"},
		{URL: outro, Label: "outro"},
	}, nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	labels := m.Labels()
	if len(labels) != 2 || labels[0] != "intro" || labels[1] != "outro" {
		t.Fatalf("labels = %v, want [intro outro]", labels)
	}

	scores, err := m.Score(flatFrame(64, 48, black))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores["outro"] < 0.99 {
		t.Fatalf("outro score = %v, want >= 0.99", scores["outro"])
	}
	if scores["intro"] > 0.05 {
		t.Fatalf("intro score = %v, want <= 0.05", scores["intro"])
	}
}

func TestMatcherLargeReferenceDownscaled(t *testing.T) {
	ref := writeFlatPNG(t, "slate.png", 1280, 720, white)
	m, err := NewMatcher([]config.Reference{{URL: ref, Label: "slate"}}, nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	w, h := m.Dimensions()
	if w != 320 || h != 180 {
		t.Fatalf("dimensions = %dx%d, want 320x180", w, h)
	}
}

func TestMatcherRejectsBadFrames(t *testing.T) {
	ref := writeFlatPNG(t, "slate.png", 64, 48, white)
	m, err := NewMatcher([]config.Reference{{URL: ref, Label: "slate"}}, nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := m.Score(flatFrame(32, 32, white))
		if !errors.Is(err, ErrScoreCompute) {
			t.Fatalf("err = %v, want ErrScoreCompute", err)
		}
	})

	t.Run("truncated buffer", func(t *testing.T) {
		f := flatFrame(64, 48, white)
		f.Data = f.Data[:len(f.Data)-7]
		_, err := m.Score(f)
		if !errors.Is(err, ErrScoreCompute) {
			t.Fatalf("err = %v, want ErrScoreCompute", err)
		}
	})
}

func TestMatcherLoadFailures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewMatcher([]config.Reference{{URL: "/nonexistent/slate.png", Label: "slate"}}, nil)
		if err == nil {
			t.Fatal("NewMatcher succeeded for a missing reference")
		}
	})

	t.Run("not an image", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "slate.png")
		if err := os.WriteFile(path, []byte("not a png"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := NewMatcher([]config.Reference{{URL: path, Label: "slate"}}, nil)
		if err == nil {
			t.Fatal("NewMatcher succeeded for undecodable bytes")
		}
	})
}
