// Package feed supplies monitoring frames to the backend and forwards
// mailbox results to the broadcaster. Real camera capture lives outside
// this process; these sources stand in for it at the same boundary.
package feed

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Source yields captured frames, one per call.
type Source interface {
	Name() string
	Next() (image.Image, error)
}

// DirSource cycles over the JPEG files of a directory in name order,
// the folder-of-stills analog of a camera feed.
type DirSource struct {
	dir    string
	mu     sync.Mutex
	frames []string
	next   int
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frames directory %s: %w", dir, err)
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			frames = append(frames, e.Name())
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no JPEG frames found in %s", dir)
	}
	sort.Strings(frames)

	return &DirSource{dir: dir, frames: frames}, nil
}

func (s *DirSource) Name() string { return "dir:" + s.dir }

func (s *DirSource) Next() (image.Image, error) {
	s.mu.Lock()
	name := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return img, nil
}

// PatternSource generates a synthetic moving-block test pattern. Used by
// mock mode when no frame directory is given.
type PatternSource struct {
	mu   sync.Mutex
	tick int
	w, h int
}

func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{w: width, h: height}
}

func (s *PatternSource) Name() string { return "pattern" }

func (s *PatternSource) Next() (image.Image, error) {
	s.mu.Lock()
	tick := s.tick
	s.tick++
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			img.Set(x, y, color.RGBA{R: 16, G: 24, B: 32, A: 255})
		}
	}

	// A block sweeping left to right marks frames apart from each other.
	size := s.w / 8
	x0 := (tick * 7) % (s.w - size)
	for y := s.h/2 - size/2; y < s.h/2+size/2; y++ {
		for x := x0; x < x0+size; x++ {
			img.Set(x, y, color.RGBA{R: 220, G: 180, B: 40, A: 255})
		}
	}
	return img, nil
}
