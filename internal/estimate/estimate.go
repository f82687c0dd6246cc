// Package estimate computes the expected runtime and price of a job from its
// media metadata and filter selection. It performs no I/O.
package estimate

import (
	"errors"
	"fmt"
	"math"

	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// ErrInvalidMedia is returned when the metadata needed for the job type is missing.
var ErrInvalidMedia = errors.New("invalid media metadata")

const (
	videoOverheadSecs = 900
	videoRoundingSecs = 100
	videoPricePerSec  = 0.0003

	audioOverheadSecs = 630
	audioPricePerSec  = 0.0003

	imageOverheadSecs  = 35
	imagePerFilterSecs = 5
	imageLargeWidth    = 1080
	imageLargeFactor   = 2
	imagePricePerSec   = 0.000725

	minPrice = 0.05
)

// videoThroughput is pixel-frames processed per second, keyed by filter and,
// for super resolution, by model.
var videoThroughput = map[models.FilterName]float64{
	models.FilterVideoDeblurring:    2_000_000,
	models.FilterVideoDenoising:     2_500_000,
	models.FilterFaceRestoration:    1_800_000,
	models.FilterBWToColor:          3_000_000,
	models.FilterSlowMotion:         2_200_000,
	models.FilterVideoInterpolation: 3_500_000,
	models.FilterVideoDeinterlacing: 6_000_000,
	models.FilterSpeechEnhancement:  50_000_000,
	models.FilterTranscription:      40_000_000,
}

var superResolutionThroughput = map[string]float64{
	models.ModelSR2x:    1_400_000,
	models.ModelSR4x:    700_000,
	models.ModelSR2xV2:  900_000,
	models.ModelSR4xV2:  450_000,
	models.ModelSRAnime: 1_600_000,
}

// audioThroughput is audio seconds processed per second.
var audioThroughput = map[models.FilterName]float64{
	models.FilterStemSeparation:    2,
	models.FilterSpeechEnhancement: 4,
	models.FilterTranscription:     5,
}

// imageCost is the fixed processing time in seconds at or below imageLargeWidth.
var imageCost = map[models.FilterName]int64{
	models.FilterImageDeblurring:  10,
	models.FilterImageDenoising:   8,
	models.FilterFaceRestoration:  12,
	models.FilterBWToColor:        10,
	models.FilterRemoveBackground: 6,
}

var imageSuperResolutionCost = map[string]int64{
	models.ModelSR2x: 20,
	models.ModelSR4x: 30,
}

// Result is an estimate for one job.
type Result struct {
	ETASeconds int64   `json:"eta_seconds"`
	Price      float64 `json:"price"`
}

// For estimates a job of any type.
func For(cfg models.JobConfig, media models.MediaInfo) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	switch cfg.Type {
	case models.JobTypeVideo:
		return Video(cfg.Video.Filters, media)
	case models.JobTypeAudio:
		return Audio(cfg.Audio.Filters, media)
	default:
		return Image(cfg.Image.Filters, media)
	}
}

// Video sums work/throughput over the active filters, adds the boot and
// teardown overhead and rounds up to the next 100 seconds.
func Video(filters []models.VideoFilter, media models.MediaInfo) (Result, error) {
	if media.Width <= 0 || media.Height <= 0 || media.FPS <= 0 || media.DurationSeconds <= 0 {
		return Result{}, fmt.Errorf("%w: video needs width, height, fps and duration", ErrInvalidMedia)
	}
	work := float64(media.Width) * float64(media.Height) * media.FPS * media.DurationSeconds

	var secs float64
	for _, f := range filters {
		tp, err := videoFilterThroughput(f)
		if err != nil {
			return Result{}, err
		}
		secs += work / tp
	}
	secs += videoOverheadSecs

	eta := int64(math.Ceil(secs/videoRoundingSecs) * videoRoundingSecs)
	return Result{ETASeconds: eta, Price: price(eta, videoPricePerSec)}, nil
}

func videoFilterThroughput(f models.VideoFilter) (float64, error) {
	switch f.Name {
	case models.FilterSuperResolution:
		tp, ok := superResolutionThroughput[f.Model]
		if !ok {
			return 0, fmt.Errorf("%w: unknown super_resolution model %q", models.ErrInvalidConfig, f.Model)
		}
		return tp, nil
	case models.FilterSlowMotion:
		if f.Factor < 2 {
			return 0, fmt.Errorf("%w: slow_motion factor %d", models.ErrInvalidConfig, f.Factor)
		}
		return videoThroughput[f.Name] / (float64(f.Factor) / 2), nil
	}
	tp, ok := videoThroughput[f.Name]
	if !ok {
		return 0, fmt.Errorf("%w: no throughput for video filter %q", models.ErrInvalidConfig, f.Name)
	}
	return tp, nil
}

// Audio sums duration/throughput over the active filters plus overhead,
// rounded up to whole seconds.
func Audio(filters []models.AudioFilter, media models.MediaInfo) (Result, error) {
	if media.DurationSeconds <= 0 {
		return Result{}, fmt.Errorf("%w: audio needs a duration", ErrInvalidMedia)
	}
	var secs float64
	for _, f := range filters {
		tp, ok := audioThroughput[f.Name]
		if !ok {
			return Result{}, fmt.Errorf("%w: no throughput for audio filter %q", models.ErrInvalidConfig, f.Name)
		}
		secs += media.DurationSeconds / tp
	}
	secs += audioOverheadSecs

	eta := int64(math.Ceil(secs))
	return Result{ETASeconds: eta, Price: price(eta, audioPricePerSec)}, nil
}

// Image charges a fixed cost per filter, doubled above 1080px width, plus a
// per-filter and a per-job overhead.
func Image(filters []models.ImageFilter, media models.MediaInfo) (Result, error) {
	if media.Width <= 0 {
		return Result{}, fmt.Errorf("%w: image needs a width", ErrInvalidMedia)
	}
	multiplier := int64(1)
	if media.Width > imageLargeWidth {
		multiplier = imageLargeFactor
	}

	eta := int64(imageOverheadSecs)
	for _, f := range filters {
		var (
			cost int64
			ok   bool
		)
		if f.Name == models.FilterSuperResolution {
			cost, ok = imageSuperResolutionCost[f.Model]
		} else {
			cost, ok = imageCost[f.Name]
		}
		if !ok {
			return Result{}, fmt.Errorf("%w: no cost for image filter %q", models.ErrInvalidConfig, f.Name)
		}
		eta += cost*multiplier + imagePerFilterSecs
	}
	return Result{ETASeconds: eta, Price: price(eta, imagePricePerSec)}, nil
}

// price applies the per-second rate and the floor, rounded to cents.
func price(eta int64, perSec float64) float64 {
	p := math.Max(float64(eta)*perSec, minPrice)
	return math.Round(p*100) / 100
}
