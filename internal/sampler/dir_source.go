package sampler

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DirSource replays the still images of a directory in name order, looping
// forever. It stands in for a camera in demos and end-to-end runs.
type DirSource struct {
	dir string

	mu     sync.Mutex
	files  []string
	next   int
	opened bool
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true,
}

func (d *DirSource) Open(_ context.Context) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(d.dir, e.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("no images in %s", d.dir)
	}
	sort.Strings(files)

	d.mu.Lock()
	d.files = files
	d.next = 0
	d.opened = true
	d.mu.Unlock()
	return nil
}

func (d *DirSource) Capture() (image.Image, error) {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil, ErrNoData
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)
	d.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (d *DirSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.files = nil
	return nil
}
