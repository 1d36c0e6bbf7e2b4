package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"particlestack/internal/raster"
)

// DefaultExtensions are the micrograph formats picked up when a caller does
// not name its own.
var DefaultExtensions = []string{".tif", ".tiff"}

// saveExts are the formats SaveImage can write without losing 16-bit depth.
var saveExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
}

func extSet(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return set
}

// ListImages returns the image files directly inside dir, sorted by name.
// Subdirectories are not descended into.
func ListImages(dir string, exts ...string) ([]string, error) {
	allowed := extSet(exts)
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				return fs.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := allowed[ext]; ok {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsImageFile checks if path has one of the given extensions (or the defaults).
func IsImageFile(path string, exts ...string) bool {
	_, ok := extSet(exts)[strings.ToLower(filepath.Ext(path))]
	return ok
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadImage decodes a single file into intensities.
func LoadImage(path string) (raster.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return raster.Image{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	out, err := raster.FromImage(img)
	if err != nil {
		return raster.Image{}, fmt.Errorf("failed to convert %s: %w", path, err)
	}
	return out, nil
}

// LoadImages decodes every path in order. progress, if non-nil, is called
// after each file with the number loaded so far.
func LoadImages(paths []string, progress func(done, total int)) ([]raster.Image, error) {
	images := make([]raster.Image, 0, len(paths))
	for i, p := range paths {
		img, err := LoadImage(p)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
		if progress != nil {
			progress(i+1, len(paths))
		}
	}
	return images, nil
}

// LoadDir lists and loads every image in dir.
func LoadDir(dir string, exts []string, progress func(done, total int)) ([]raster.Image, []string, error) {
	paths, err := ListImages(dir, exts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no images found in %s", dir)
	}
	images, err := LoadImages(paths, progress)
	if err != nil {
		return nil, nil, err
	}
	return images, paths, nil
}

// SaveImage writes img as a normalised 16-bit grayscale PNG or TIFF, chosen
// by the extension of path. Parent directories are created as needed.
func SaveImage(img raster.Image, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := saveExts[ext]; !ok {
		return fmt.Errorf("unsupported output format %q (use .png, .tif or .tiff)", ext)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := imaging.Save(img.ToGray16(), path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
