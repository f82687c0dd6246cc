package scheduler

import (
	"math"
	"time"

	"github.com/tnsr-ai/gpufleet/pkg/models"
)

const (
	videoRAMGB        = 16
	videoVCPUs        = 6
	videoVRAMGB       = 16
	videoLargeVRAMGB  = 20
	videoDiskPerGB    = 4
	videoPriceCeiling = 0.7

	otherRAMGB        = 8
	otherVCPUs        = 4
	otherVRAMGB       = 12
	otherDiskPerGB    = 2
	otherPriceCeiling = 0.5

	baseDiskGB = 20

	fullHDWidth  = 1920
	fullHDHeight = 1080
)

// Requirements are the minimum resources an instance must offer for a job.
type Requirements struct {
	RAMGB         float64
	VRAMGB        float64
	VCPUs         float64
	DiskGB        int
	MaxPricePerHr float64
	// ETA is the estimated job runtime. Spot offers must stay rentable past it.
	ETA time.Duration
}

// RequirementsFor derives the instance requirements for a job. maxPrice caps
// the per-type price ceiling when positive.
func RequirementsFor(cfg models.JobConfig, media models.MediaInfo, eta time.Duration, maxPrice float64) Requirements {
	sizeGB := int(math.Ceil(float64(media.SizeBytes) / (1 << 30)))

	var req Requirements
	if cfg.Type == models.JobTypeVideo {
		req = Requirements{
			RAMGB:         videoRAMGB,
			VCPUs:         videoVCPUs,
			VRAMGB:        videoVRAMGB,
			DiskGB:        baseDiskGB + videoDiskPerGB*sizeGB,
			MaxPricePerHr: videoPriceCeiling,
		}
		if needsLargeVRAM(cfg, media) {
			req.VRAMGB = videoLargeVRAMGB
		}
	} else {
		req = Requirements{
			RAMGB:         otherRAMGB,
			VCPUs:         otherVCPUs,
			VRAMGB:        otherVRAMGB,
			DiskGB:        baseDiskGB + otherDiskPerGB*sizeGB,
			MaxPricePerHr: otherPriceCeiling,
		}
	}
	if maxPrice > 0 && maxPrice < req.MaxPricePerHr {
		req.MaxPricePerHr = maxPrice
	}
	req.ETA = eta
	return req
}

func needsLargeVRAM(cfg models.JobConfig, media models.MediaInfo) bool {
	if media.Width > fullHDWidth || media.Height > fullHDHeight {
		return true
	}
	if cfg.Video == nil {
		return false
	}
	for _, f := range cfg.Video.Filters {
		if f.Name == models.FilterSuperResolution && (f.Model == models.ModelSR4x || f.Model == models.ModelSR4xV2) {
			return true
		}
	}
	return false
}

// Satisfies reports whether l meets the resource minimums and price ceiling.
func (r Requirements) Satisfies(l models.Listing) bool {
	return l.VRAMGB >= r.VRAMGB &&
		l.RAMGB >= r.RAMGB &&
		l.VCPUs >= r.VCPUs &&
		l.DiskGB >= float64(r.DiskGB) &&
		l.PricePerHr <= r.MaxPricePerHr
}
