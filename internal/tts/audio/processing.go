// Package audio decodes, encodes and joins the WAV clips produced by the voice model.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/wav"
)

// Validation limits.
const (
	MaxSampleRate = 192000
	MaxChannels   = 2
	MaxPrecision  = 3
)

const (
	// DefaultResampleQuality is the beep resampling quality used for clips
	// recorded at a different sample rate than the merge target.
	DefaultResampleQuality = 4
	// normalizedPeak leaves a little headroom below full scale.
	normalizedPeak    = 0.98
	maxQuality        = 64
	outputPermissions = 0o600
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz"
	errFmtPrecisionValues = "%w: precision must be between 1 and %d bytes"
	errFmtChannelsRange   = "%w: channels must be 1 or %d"
)

// Common errors for the audio package.
var (
	ErrInvalidFormat  = errors.New("invalid audio format")
	ErrInvalidQuality = errors.New("resample quality must be between 1 and 64")
	ErrDecode         = errors.New("failed to decode WAV audio")
	ErrNoClips        = errors.New("no clips to merge")
)

// ValidateFormat checks that format can be written as a WAV file.
func ValidateFormat(format beep.Format) error {
	if format.SampleRate <= 0 || int(format.SampleRate) > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, MaxSampleRate)
	}

	if format.Precision < 1 || format.Precision > MaxPrecision {
		return fmt.Errorf(errFmtPrecisionValues, ErrInvalidFormat, MaxPrecision)
	}

	if format.NumChannels < 1 || format.NumChannels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, MaxChannels)
	}

	return nil
}

// Clip is decoded audio held in memory.
type Clip struct {
	Format beep.Format
	buffer *beep.Buffer
}

// NewClip builds a clip from stereo samples in [-1, 1]. Mono formats store
// the average of both channels.
func NewClip(format beep.Format, samples [][2]float64) *Clip {
	buffer := beep.NewBuffer(format)
	buffer.Append(sliceStreamer(samples))

	return &Clip{Format: format, buffer: buffer}
}

// Decode reads a WAV clip.
func Decode(data []byte) (*Clip, error) {
	streamer, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer streamer.Close()

	buffer := beep.NewBuffer(format)
	buffer.Append(streamer)

	streamErr := streamer.Err()
	if streamErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, streamErr)
	}

	return &Clip{Format: format, buffer: buffer}, nil
}

// DecodeFile reads a WAV clip from disk.
func DecodeFile(path string) (*Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	clip, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return clip, nil
}

// Len returns the number of sample frames.
func (c *Clip) Len() int {
	return c.buffer.Len()
}

// Duration returns the playing time of the clip.
func (c *Clip) Duration() time.Duration {
	return c.Format.SampleRate.D(c.buffer.Len())
}

// Samples returns the clip's frames as stereo samples.
func (c *Clip) Samples() [][2]float64 {
	samples := make([][2]float64, c.buffer.Len())
	streamer := c.buffer.Streamer(0, c.buffer.Len())

	for filled := 0; filled < len(samples); {
		n, ok := streamer.Stream(samples[filled:])
		if !ok {
			return samples[:filled]
		}

		filled += n
	}

	return samples
}

// Encode writes the clip as a WAV file.
func (c *Clip) Encode() ([]byte, error) {
	out := &seekBuffer{}

	err := wav.Encode(out, c.buffer.Streamer(0, c.buffer.Len()), c.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WAV audio: %w", err)
	}

	return out.data, nil
}

// Merger joins clips with a pause between them. Clips recorded at another
// sample rate are resampled and channel counts are reconciled, so clips from
// different voices can be joined.
type Merger struct {
	// Silence is the pause inserted between consecutive clips.
	Silence time.Duration
	// Normalize scales the result so its peak sits just below full scale.
	Normalize bool
	// Format is the output format. The zero value uses the first clip's format.
	Format beep.Format
	// Quality is the resampling quality, 1 to 64. Zero uses DefaultResampleQuality.
	Quality int
}

// NewMerger returns a Merger with a one second pause and peak normalization.
func NewMerger() *Merger {
	return &Merger{
		Silence:   time.Second,
		Normalize: true,
		Format:    beep.Format{},
		Quality:   DefaultResampleQuality,
	}
}

// MergeClips joins clips in order.
func (m *Merger) MergeClips(clips []*Clip) (*Clip, error) {
	if len(clips) == 0 {
		return nil, ErrNoClips
	}

	target := m.Format
	if target.SampleRate == 0 {
		target = clips[0].Format
	}

	err := ValidateFormat(target)
	if err != nil {
		return nil, err
	}

	quality := m.Quality
	if quality == 0 {
		quality = DefaultResampleQuality
	}

	if quality < 1 || quality > maxQuality {
		return nil, ErrInvalidQuality
	}

	parts := make([]beep.Streamer, 0, 2*len(clips))
	pause := target.SampleRate.N(m.Silence)

	for index, clip := range clips {
		if index > 0 && pause > 0 {
			parts = append(parts, beep.Silence(pause))
		}

		var streamer beep.Streamer = clip.buffer.Streamer(0, clip.buffer.Len())
		if clip.Format.SampleRate != target.SampleRate {
			streamer = beep.Resample(quality, clip.Format.SampleRate, target.SampleRate, streamer)
		}

		parts = append(parts, streamer)
	}

	merged := beep.NewBuffer(target)
	merged.Append(beep.Seq(parts...))

	result := &Clip{Format: target, buffer: merged}
	if m.Normalize {
		result = result.normalized()
	}

	return result, nil
}

// Merge decodes WAV clips, joins them and encodes the result.
func (m *Merger) Merge(clips [][]byte) ([]byte, error) {
	decoded := make([]*Clip, 0, len(clips))

	for index, data := range clips {
		clip, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("clip %d: %w", index, err)
		}

		decoded = append(decoded, clip)
	}

	merged, err := m.MergeClips(decoded)
	if err != nil {
		return nil, err
	}

	return merged.Encode()
}

// MergeFiles joins the WAV files at paths into output.
func (m *Merger) MergeFiles(paths []string, output string) error {
	clips := make([]*Clip, 0, len(paths))

	for _, path := range paths {
		clip, err := DecodeFile(path)
		if err != nil {
			return err
		}

		clips = append(clips, clip)
	}

	merged, err := m.MergeClips(clips)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, outputPermissions)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}

	encodeErr := wav.Encode(file, merged.buffer.Streamer(0, merged.buffer.Len()), merged.Format)
	closeErr := file.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to write %s: %w", output, encodeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close %s: %w", output, closeErr)
	}

	return nil
}

// normalized returns a copy scaled so its loudest sample reaches normalizedPeak.
// Silent clips are returned unchanged.
func (c *Clip) normalized() *Clip {
	peak := 0.0

	for _, sample := range c.Samples() {
		peak = math.Max(peak, math.Max(math.Abs(sample[0]), math.Abs(sample[1])))
	}

	if peak == 0 {
		return c
	}

	gain := &effects.Gain{
		Streamer: c.buffer.Streamer(0, c.buffer.Len()),
		Gain:     normalizedPeak/peak - 1,
	}

	scaled := beep.NewBuffer(c.Format)
	scaled.Append(gain)

	return &Clip{Format: c.Format, buffer: scaled}
}

// sliceStreamer streams samples once.
func sliceStreamer(samples [][2]float64) beep.Streamer {
	position := 0

	return beep.StreamerFunc(func(out [][2]float64) (int, bool) {
		if position >= len(samples) {
			return 0, false
		}

		n := copy(out, samples[position:])
		position += n

		return n, true
	})
}

// seekBuffer is an in-memory io.WriteSeeker; wav.Encode seeks back to patch
// the header sizes once the data has been written.
type seekBuffer struct {
	data     []byte
	position int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.position + len(p)
	if end > len(s.data) {
		s.data = append(s.data, make([]byte, end-len(s.data))...)
	}

	copy(s.data[s.position:], p)
	s.position = end

	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(s.position)
	case io.SeekEnd:
		base = int64(len(s.data))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}

	s.position = int(next)

	return next, nil
}
