package dataset

import (
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmentation ranges, applied to train batches only.
const (
	maxRotateDeg    = 5.0
	maxShearDeg     = 10.0
	minScale        = 0.7
	maxScale        = 1.0
	maxTranslateX   = 0.07
	maxTranslateY   = 0.05
	jitterProb      = 0.5
	maxJitterAmount = 12.0
)

// Preprocessor turns an image file into the normalized float tensor the
// model consumes: grayscale, resized to Width x Height, scaled to
// [-1, 1]. With Augment set it first applies a random affine warp and
// optional contrast/brightness jitter, seeded per sample so a given
// (seed, epoch, sample) triple always yields the same pixels.
type Preprocessor struct {
	Width   int
	Height  int
	Augment bool
}

// PixelCount is the length of a preprocessed image tensor.
func (p *Preprocessor) PixelCount() int {
	return p.Width * p.Height
}

// Load decodes, optionally augments and normalizes the image at path.
func (p *Preprocessor) Load(path string, seed int64) ([]float32, error) {
	dst := make([]float32, p.PixelCount())
	if err := p.LoadInto(dst, path, seed); err != nil {
		return nil, err
	}
	return dst, nil
}

// LoadInto is Load writing into a caller-supplied buffer of PixelCount
// length, so batch assembly can recycle tensors.
func (p *Preprocessor) LoadInto(dst []float32, path string, seed int64) error {
	img, err := imaging.Open(path)
	if err != nil {
		return &SampleLoadError{Path: path, Err: err}
	}
	p.process(dst, img, seed)
	return nil
}

func (p *Preprocessor) process(dst []float32, img image.Image, seed int64) {
	if p.Augment {
		rng := rand.New(rand.NewSource(seed))
		img = randomAffine(img, rng)
		if rng.Float64() < jitterProb {
			amount := (rng.Float64()*2 - 1) * maxJitterAmount
			img = imaging.AdjustContrast(img, amount)
			img = imaging.AdjustBrightness(img, amount/2)
		}
	}

	resized := imaging.Resize(img, p.Width, p.Height, imaging.Linear)
	gray := imaging.Grayscale(resized)

	for y := 0; y < p.Height; y++ {
		row := y * gray.Stride
		for x := 0; x < p.Width; x++ {
			v := float32(gray.Pix[row+x*4]) / 255.0
			dst[y*p.Width+x] = (v - 0.5) / 0.5
		}
	}
}

// randomAffine warps the image with a random rotation, shear, scale and
// translation around its center.
func randomAffine(img image.Image, rng *rand.Rand) image.Image {
	src := imaging.Clone(img)
	bounds := src.Bounds()
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	angle := (rng.Float64()*2 - 1) * maxRotateDeg * math.Pi / 180
	shear := (rng.Float64()*2 - 1) * maxShearDeg * math.Pi / 180
	scale := minScale + rng.Float64()*(maxScale-minScale)
	tx := (rng.Float64()*2 - 1) * maxTranslateX * w
	ty := (rng.Float64()*2 - 1) * maxTranslateY * h

	cos := math.Cos(angle) * scale
	sin := math.Sin(angle) * scale
	sh := math.Tan(shear)

	// Rotation+shear+scale about the image center, then translation.
	cx, cy := w/2, h/2
	a := cos + sh*sin
	b := sh*cos - sin
	m := f64.Aff3{
		a, b, cx - a*cx - b*cy + tx,
		sin, cos, cy - sin*cx - cos*cy + ty,
	}

	dst := image.NewNRGBA(bounds)
	xdraw.BiLinear.Transform(dst, m, src, bounds, xdraw.Src, nil)
	return dst
}
