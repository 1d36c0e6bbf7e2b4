package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"particlestack/internal/raster"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

func TestListImagesSortedAndFlat(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"img_010.tif", "img_002.TIF", "img_001.tiff", "notes.txt", "preview.png", "sub/img_000.tif"} {
		touch(t, filepath.Join(dir, name))
	}

	files, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "img_001.tiff"),
		filepath.Join(dir, "img_002.TIF"),
		filepath.Join(dir, "img_010.tif"),
	}, files)

	files, err = ListImages(dir, "png")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "preview.png")}, files)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a/b.TIFF"))
	assert.False(t, IsImageFile("a/b.png"))
	assert.True(t, IsImageFile("a/b.png", ".png", ".jpg"))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	img, err := raster.FromRows([][]float64{
		{0, 1},
		{2, 3},
	})
	require.NoError(t, err)

	for _, name := range []string{"out.tif", "out.png"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		require.NoError(t, SaveImage(img, path))

		got, err := LoadImage(path)
		require.NoError(t, err, name)
		assert.Equal(t, []float64{0, 21845, 43690, 65535}, got.Values(), name)
	}
}

func TestSaveImageRejectsLossyFormats(t *testing.T) {
	img, err := raster.Constant(2, 2, 1)
	require.NoError(t, err)
	assert.Error(t, SaveImage(img, filepath.Join(t.TempDir(), "out.jpg")))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	for i, v := range []float64{1, 5, 9} {
		img, err := raster.Generate(3, 2, func(x, y int) float64 { return float64(x+y) * v })
		require.NoError(t, err)
		require.NoError(t, SaveImage(img, filepath.Join(dir, []string{"a.tif", "b.tif", "c.tif"}[i])))
	}

	var calls int
	images, paths, err := LoadDir(dir, nil, func(done, total int) {
		calls++
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	assert.Len(t, images, 3)
	assert.Len(t, paths, 3)
	assert.Equal(t, 3, calls)
	for _, im := range images {
		assert.Equal(t, raster.Size{Width: 3, Height: 2}, im.Size())
	}

	_, _, err = LoadDir(t.TempDir(), nil, nil)
	assert.Error(t, err)
}
