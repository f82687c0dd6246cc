package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when a job configuration fails validation.
var ErrInvalidConfig = errors.New("invalid job config")

// FilterName identifies one enhancement filter.
type FilterName string

const (
	FilterSuperResolution    FilterName = "super_resolution"
	FilterVideoDeblurring    FilterName = "video_deblurring"
	FilterVideoDenoising     FilterName = "video_denoising"
	FilterFaceRestoration    FilterName = "face_restoration"
	FilterBWToColor          FilterName = "bw_to_color"
	FilterSlowMotion         FilterName = "slow_motion"
	FilterVideoInterpolation FilterName = "video_interpolation"
	FilterVideoDeinterlacing FilterName = "video_deinterlacing"
	FilterSpeechEnhancement  FilterName = "speech_enhancement"
	FilterTranscription      FilterName = "transcription"
	FilterStemSeparation     FilterName = "stem_separation"
	FilterImageDeblurring    FilterName = "image_deblurring"
	FilterImageDenoising     FilterName = "image_denoising"
	FilterRemoveBackground   FilterName = "remove_background"
)

// Super resolution model choices.
const (
	ModelSR2x    = "2x"
	ModelSR4x    = "4x"
	ModelSR2xV2  = "2x-v2"
	ModelSR4xV2  = "4x-v2"
	ModelSRAnime = "anime"
)

// VideoFilter is one active video filter. Model applies to super_resolution,
// Factor to slow_motion.
type VideoFilter struct {
	Name   FilterName `json:"name"`
	Model  string     `json:"model,omitempty"`
	Factor int        `json:"factor,omitempty"`
}

// AudioFilter is one active audio filter.
type AudioFilter struct {
	Name FilterName `json:"name"`
}

// ImageFilter is one active image filter. Model applies to super_resolution.
type ImageFilter struct {
	Name  FilterName `json:"name"`
	Model string     `json:"model,omitempty"`
}

type VideoConfig struct {
	Filters []VideoFilter
}

type AudioConfig struct {
	Filters []AudioFilter
}

type ImageConfig struct {
	Filters []ImageFilter
}

// JobConfig is the filter selection of a job, discriminated by Type.
// Exactly one of Video, Audio or Image is set and matches Type.
type JobConfig struct {
	Type  JobType
	Video *VideoConfig
	Audio *AudioConfig
	Image *ImageConfig
}

var videoFilters = map[FilterName]bool{
	FilterSuperResolution:    true,
	FilterVideoDeblurring:    true,
	FilterVideoDenoising:     true,
	FilterFaceRestoration:    true,
	FilterBWToColor:          true,
	FilterSlowMotion:         true,
	FilterVideoInterpolation: true,
	FilterVideoDeinterlacing: true,
	FilterSpeechEnhancement:  true,
	FilterTranscription:      true,
}

var audioFilters = map[FilterName]bool{
	FilterStemSeparation:    true,
	FilterSpeechEnhancement: true,
	FilterTranscription:     true,
}

var imageFilters = map[FilterName]bool{
	FilterSuperResolution:  true,
	FilterImageDeblurring:  true,
	FilterImageDenoising:   true,
	FilterFaceRestoration:  true,
	FilterBWToColor:        true,
	FilterRemoveBackground: true,
}

var videoSRModels = map[string]bool{
	ModelSR2x: true, ModelSR4x: true, ModelSR2xV2: true, ModelSR4xV2: true, ModelSRAnime: true,
}

var imageSRModels = map[string]bool{
	ModelSR2x: true, ModelSR4x: true,
}

var slowMotionFactors = map[int]bool{2: true, 4: true, 8: true}

// NewVideoConfig builds a video JobConfig.
func NewVideoConfig(filters ...VideoFilter) JobConfig {
	return JobConfig{Type: JobTypeVideo, Video: &VideoConfig{Filters: filters}}
}

// NewAudioConfig builds an audio JobConfig.
func NewAudioConfig(filters ...AudioFilter) JobConfig {
	return JobConfig{Type: JobTypeAudio, Audio: &AudioConfig{Filters: filters}}
}

// NewImageConfig builds an image JobConfig.
func NewImageConfig(filters ...ImageFilter) JobConfig {
	return JobConfig{Type: JobTypeImage, Image: &ImageConfig{Filters: filters}}
}

// FilterNames returns the active filter names in request order.
func (c JobConfig) FilterNames() []FilterName {
	var names []FilterName
	switch c.Type {
	case JobTypeVideo:
		if c.Video != nil {
			for _, f := range c.Video.Filters {
				names = append(names, f.Name)
			}
		}
	case JobTypeAudio:
		if c.Audio != nil {
			for _, f := range c.Audio.Filters {
				names = append(names, f.Name)
			}
		}
	case JobTypeImage:
		if c.Image != nil {
			for _, f := range c.Image.Filters {
				names = append(names, f.Name)
			}
		}
	}
	return names
}

// Has reports whether the named filter is active.
func (c JobConfig) Has(name FilterName) bool {
	for _, n := range c.FilterNames() {
		if n == name {
			return true
		}
	}
	return false
}

// Validate checks the configuration against the filter catalogue of its type.
func (c JobConfig) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidConfig, c.Type)
	}

	set := 0
	for _, p := range []bool{c.Video != nil, c.Audio != nil, c.Image != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one filter set must be present", ErrInvalidConfig)
	}

	names := c.FilterNames()
	if len(names) == 0 {
		return fmt.Errorf("%w: at least one filter is required", ErrInvalidConfig)
	}
	seen := make(map[FilterName]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("%w: duplicate filter %q", ErrInvalidConfig, n)
		}
		seen[n] = true
	}

	switch c.Type {
	case JobTypeVideo:
		if c.Video == nil {
			return fmt.Errorf("%w: video filters missing", ErrInvalidConfig)
		}
		for _, f := range c.Video.Filters {
			if !videoFilters[f.Name] {
				return fmt.Errorf("%w: unknown video filter %q", ErrInvalidConfig, f.Name)
			}
			if f.Name == FilterSuperResolution && !videoSRModels[f.Model] {
				return fmt.Errorf("%w: unknown super_resolution model %q", ErrInvalidConfig, f.Model)
			}
			if f.Name == FilterSlowMotion && !slowMotionFactors[f.Factor] {
				return fmt.Errorf("%w: slow_motion factor must be 2, 4 or 8", ErrInvalidConfig)
			}
		}
	case JobTypeAudio:
		if c.Audio == nil {
			return fmt.Errorf("%w: audio filters missing", ErrInvalidConfig)
		}
		for _, f := range c.Audio.Filters {
			if !audioFilters[f.Name] {
				return fmt.Errorf("%w: unknown audio filter %q", ErrInvalidConfig, f.Name)
			}
		}
	case JobTypeImage:
		if c.Image == nil {
			return fmt.Errorf("%w: image filters missing", ErrInvalidConfig)
		}
		for _, f := range c.Image.Filters {
			if !imageFilters[f.Name] {
				return fmt.Errorf("%w: unknown image filter %q", ErrInvalidConfig, f.Name)
			}
			if f.Name == FilterSuperResolution && !imageSRModels[f.Model] {
				return fmt.Errorf("%w: unknown super_resolution model %q", ErrInvalidConfig, f.Model)
			}
		}
	}
	return nil
}

type jobConfigJSON struct {
	JobType JobType         `json:"job_type"`
	Filters json.RawMessage `json:"filters"`
}

// MarshalJSON encodes the config as {"job_type": ..., "filters": [...]}.
func (c JobConfig) MarshalJSON() ([]byte, error) {
	var filters any
	switch c.Type {
	case JobTypeVideo:
		if c.Video != nil {
			filters = c.Video.Filters
		}
	case JobTypeAudio:
		if c.Audio != nil {
			filters = c.Audio.Filters
		}
	case JobTypeImage:
		if c.Image != nil {
			filters = c.Image.Filters
		}
	}
	raw, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobConfigJSON{JobType: c.Type, Filters: raw})
}

// UnmarshalJSON decodes the filter list into the variant named by job_type.
func (c *JobConfig) UnmarshalJSON(data []byte) error {
	var raw jobConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := JobConfig{Type: raw.JobType}
	filters := raw.Filters
	if len(filters) == 0 || string(filters) == "null" {
		filters = []byte("[]")
	}

	switch raw.JobType {
	case JobTypeVideo:
		out.Video = &VideoConfig{}
		if err := json.Unmarshal(filters, &out.Video.Filters); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	case JobTypeAudio:
		out.Audio = &AudioConfig{}
		if err := json.Unmarshal(filters, &out.Audio.Filters); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	case JobTypeImage:
		out.Image = &ImageConfig{}
		if err := json.Unmarshal(filters, &out.Image.Filters); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidConfig, raw.JobType)
	}

	*c = out
	return nil
}

// MediaInfo is the metadata of the input content used for estimation and sizing.
type MediaInfo struct {
	Width           int
	Height          int
	FPS             float64
	DurationSeconds float64
	SizeBytes       int64
}
