// Package dataset enumerates labeled plate images, assigns them to
// train/val/test splits and streams preprocessed batches to the
// training loop.
//
// The ground-truth string is encoded in the filename: everything up to
// the first underscore (or the extension, if there is no underscore) is
// the plate label, e.g. "B1234XYZ_0017.jpg" -> "B1234XYZ".
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/icvlp/icvlpr/internal/charset"
)

// Split names a dataset partition.
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
	SplitTest  Split = "test"
)

// Splits lists all partitions in a fixed order.
var Splits = []Split{SplitTrain, SplitVal, SplitTest}

// Split ratio is 80/10/10: hash buckets 0-7 train, 8 val, 9 test.
const (
	splitBuckets    = 10
	valBucket       = 8
	testBucket      = 9
)

// Sample is one plate image plus its ground-truth label.
type Sample struct {
	Path   string
	Label  string
	Target []int
}

// Index holds the immutable split assignment of every sample under a
// dataset root. Assignment is deterministic: the same file always
// resolves to the same split across runs.
type Index struct {
	root    string
	samples map[Split][]Sample
}

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// Scan enumerates all labeled images under root and builds the split
// index. If root contains train/val/test subdirectories those define
// the splits directly; otherwise every image in root is assigned
// 80/10/10 by a hash of its filename. maxLabelLen bounds the label
// length the model can decode; longer labels are a DatasetError.
func Scan(root string, maxLabelLen int) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, &DatasetError{Path: root, Reason: "root is not a readable directory"}
	}

	ix := &Index{
		root:    root,
		samples: make(map[Split][]Sample, len(Splits)),
	}

	if hasSplitDirs(root) {
		for _, split := range Splits {
			dir := filepath.Join(root, string(split))
			if err := ix.scanDir(dir, split, maxLabelLen); err != nil {
				return nil, err
			}
		}
	} else {
		if err := ix.scanFlat(root, maxLabelLen); err != nil {
			return nil, err
		}
	}

	for _, split := range Splits {
		if len(ix.samples[split]) == 0 {
			return nil, &DatasetError{Path: root, Reason: fmt.Sprintf("split %q is empty", split)}
		}
		// Fixed enumeration order regardless of filesystem ordering.
		sort.Slice(ix.samples[split], func(a, b int) bool {
			return ix.samples[split][a].Path < ix.samples[split][b].Path
		})
	}

	log.Info().
		Int("train", len(ix.samples[SplitTrain])).
		Int("val", len(ix.samples[SplitVal])).
		Int("test", len(ix.samples[SplitTest])).
		Msgf("dataset scanned: %s", root)

	return ix, nil
}

func hasSplitDirs(root string) bool {
	for _, split := range Splits {
		info, err := os.Stat(filepath.Join(root, string(split)))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

func (ix *Index) scanDir(dir string, split Split, maxLabelLen int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &DatasetError{Path: dir, Reason: err.Error()}
	}
	for _, entry := range entries {
		if entry.IsDir() || !imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		sample, err := newSample(filepath.Join(dir, entry.Name()), maxLabelLen)
		if err != nil {
			return err
		}
		ix.samples[split] = append(ix.samples[split], sample)
	}
	return nil
}

func (ix *Index) scanFlat(root string, maxLabelLen int) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return &DatasetError{Path: root, Reason: err.Error()}
	}
	for _, entry := range entries {
		if entry.IsDir() || !imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		sample, err := newSample(filepath.Join(root, entry.Name()), maxLabelLen)
		if err != nil {
			return err
		}
		split := assignSplit(entry.Name())
		ix.samples[split] = append(ix.samples[split], sample)
	}
	return nil
}

// assignSplit buckets a filename deterministically into 80/10/10.
func assignSplit(name string) Split {
	switch xxhash.Sum64String(name) % splitBuckets {
	case valBucket:
		return SplitVal
	case testBucket:
		return SplitTest
	default:
		return SplitTrain
	}
}

func newSample(path string, maxLabelLen int) (Sample, error) {
	label := LabelFromFilename(path)
	target, err := charset.Encode(label)
	if err != nil {
		return Sample{}, &DatasetError{Path: path, Reason: err.Error()}
	}
	if maxLabelLen > 0 && len(target) > maxLabelLen {
		return Sample{}, &DatasetError{
			Path:   path,
			Reason: fmt.Sprintf("label %q longer than %d characters", label, maxLabelLen),
		}
	}
	return Sample{Path: path, Label: label, Target: target}, nil
}

// LabelFromFilename extracts the plate string from an image path.
func LabelFromFilename(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.Index(name, "_"); i >= 0 {
		name = name[:i]
	}
	return name
}

// Samples returns the samples of a split in enumeration order.
func (ix *Index) Samples(split Split) []Sample {
	return ix.samples[split]
}

// Len returns the number of samples in a split.
func (ix *Index) Len(split Split) int {
	return len(ix.samples[split])
}

// Merged returns the samples of several splits concatenated, used for
// final training on train+val.
func (ix *Index) Merged(splits ...Split) []Sample {
	var out []Sample
	for _, split := range splits {
		out = append(out, ix.samples[split]...)
	}
	return out
}
