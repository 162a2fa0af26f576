package dataset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	os.Exit(m.Run())
}

func writeImage(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 20, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 12), G: uint8(y * 30), B: 128, A: 255})
		}
	}
	require.NoError(t, imaging.Save(img, path))
}

func writeFlatRoot(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		writeImage(t, filepath.Join(root, fmt.Sprintf("B%04dXY_%d.png", i, i)))
	}
	return root
}

func TestScanFlatSplitsDisjointAndCover(t *testing.T) {
	const n = 200
	root := writeFlatRoot(t, n)

	ix, err := Scan(root, 9)
	require.NoError(t, err)

	seen := make(map[string]int)
	total := 0
	for _, split := range Splits {
		for _, s := range ix.Samples(split) {
			seen[s.Path]++
			total++
		}
	}
	assert.Equal(t, n, total)
	for path, count := range seen {
		assert.Equal(t, 1, count, "sample %s assigned to multiple splits", path)
	}
	assert.Greater(t, ix.Len(SplitTrain), ix.Len(SplitVal))
}

func TestScanIsDeterministic(t *testing.T) {
	root := writeFlatRoot(t, 100)

	first, err := Scan(root, 9)
	require.NoError(t, err)
	second, err := Scan(root, 9)
	require.NoError(t, err)

	for _, split := range Splits {
		assert.Equal(t, first.Samples(split), second.Samples(split), "split %s", split)
	}
}

func TestScanSplitDirs(t *testing.T) {
	root := t.TempDir()
	counts := map[Split]int{SplitTrain: 4, SplitVal: 2, SplitTest: 2}
	for split, n := range counts {
		dir := filepath.Join(root, string(split))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < n; i++ {
			writeImage(t, filepath.Join(dir, fmt.Sprintf("D%d%sAB_%d.png", i, "12", i)))
		}
	}

	ix, err := Scan(root, 9)
	require.NoError(t, err)
	for split, n := range counts {
		assert.Equal(t, n, ix.Len(split), "split %s", split)
	}
}

func TestScanRejectsBadLabel(t *testing.T) {
	root := t.TempDir()
	for _, split := range Splits {
		dir := filepath.Join(root, string(split))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeImage(t, filepath.Join(dir, "B123XY_0.png"))
	}
	writeImage(t, filepath.Join(root, "train", "b999zz_1.png"))

	_, err := Scan(root, 9)
	var dsErr *DatasetError
	require.ErrorAs(t, err, &dsErr)
}

func TestScanRejectsEmptySplit(t *testing.T) {
	root := t.TempDir()
	for _, split := range Splits {
		require.NoError(t, os.MkdirAll(filepath.Join(root, string(split)), 0o755))
	}
	writeImage(t, filepath.Join(root, "train", "B123XY_0.png"))
	writeImage(t, filepath.Join(root, "val", "B124XY_0.png"))

	_, err := Scan(root, 9)
	var dsErr *DatasetError
	require.ErrorAs(t, err, &dsErr)
}

func TestScanRejectsOverlongLabel(t *testing.T) {
	root := t.TempDir()
	for _, split := range Splits {
		dir := filepath.Join(root, string(split))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeImage(t, filepath.Join(dir, "B123XY_0.png"))
	}
	writeImage(t, filepath.Join(root, "train", "B1234567890XYZ_1.png"))

	_, err := Scan(root, 9)
	var dsErr *DatasetError
	require.ErrorAs(t, err, &dsErr)
}

func TestLabelFromFilename(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "B1234XYZ_0017.jpg", want: "B1234XYZ"},
		{path: "/data/train/D56ABC_1.png", want: "D56ABC"},
		{path: "AA1.png", want: "AA1"},
		{path: "H98_76_KL.jpg", want: "H98"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LabelFromFilename(tt.path), "path %s", tt.path)
	}
}

func TestPreprocessorDeterministic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "B123XY_0.png")
	writeImage(t, path)

	pre := &Preprocessor{Width: 94, Height: 24, Augment: true}
	first, err := pre.Load(path, 7)
	require.NoError(t, err)
	second, err := pre.Load(path, 7)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := pre.Load(path, 8)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestPreprocessorRange(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "B123XY_0.png")
	writeImage(t, path)

	pre := &Preprocessor{Width: 94, Height: 24}
	pixels, err := pre.Load(path, 0)
	require.NoError(t, err)
	require.Len(t, pixels, 94*24)
	for _, v := range pixels {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestPreprocessorMissingFile(t *testing.T) {
	pre := &Preprocessor{Width: 94, Height: 24}
	_, err := pre.Load("/does/not/exist.png", 0)
	var loadErr *SampleLoadError
	require.True(t, errors.As(err, &loadErr))
}
