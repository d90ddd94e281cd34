package dataset

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"strings"
)

// Scaler maps each channel of the samples linearly from [Min, Max] to [0, 1], which is the range
// the diffusion engine expects when auto-normalization is enabled.
type Scaler struct {
	Min, Max []float32
}

// FitScaler returns the Scaler for the range of values of each channel of the dataset.
func FitScaler(d *Dataset) (*Scaler, error) {
	if d.Len() == 0 {
		return nil, errors.Wrap(ErrInvalid, "cannot fit scaler to empty dataset")
	}
	s := &Scaler{Min: make([]float32, d.Channels), Max: make([]float32, d.Channels)}
	for ch := range d.Channels {
		s.Min[ch], s.Max[ch] = math32.Inf(1), math32.Inf(-1)
	}
	for idx := range d.Len() {
		sample, _, _ := d.Example(idx)
		for ch := range d.Channels {
			for _, v := range sample[ch*d.SeqLength : (ch+1)*d.SeqLength] {
				s.Min[ch] = math32.Min(s.Min[ch], v)
				s.Max[ch] = math32.Max(s.Max[ch], v)
			}
		}
	}
	return s, nil
}

func (s *Scaler) scale(ch int) float32 {
	span := s.Max[ch] - s.Min[ch]
	if span <= 0 {
		// Constant channel.
		return 1
	}
	return span
}

func (s *Scaler) check(d *Dataset) error {
	if len(s.Min) != d.Channels || len(s.Max) != d.Channels {
		return errors.Wrapf(ErrInvalid, "scaler for %d channels used with %s", len(s.Min), d)
	}
	return nil
}

// Transform the samples of the dataset in place to [0, 1].
func (s *Scaler) Transform(d *Dataset) error {
	if err := s.check(d); err != nil {
		return err
	}
	s.apply(d, func(ch int, v float32) float32 { return (v - s.Min[ch]) / s.scale(ch) })
	return nil
}

// Inverse maps samples of the dataset in place from [0, 1] back to the original range.
func (s *Scaler) Inverse(d *Dataset) error {
	if err := s.check(d); err != nil {
		return err
	}
	s.apply(d, func(ch int, v float32) float32 { return v*s.scale(ch) + s.Min[ch] })
	return nil
}

func (s *Scaler) apply(d *Dataset, fn func(ch int, v float32) float32) {
	for idx := range d.Len() {
		sample, _, _ := d.Example(idx)
		for ch := range d.Channels {
			values := sample[ch*d.SeqLength : (ch+1)*d.SeqLength]
			for ii, v := range values {
				values[ii] = fn(ch, v)
			}
		}
	}
}

// ChannelStats summarizes the values of one channel over all samples.
type ChannelStats struct {
	Mean, StdDev, Min, Max float64
}

// Stats returns the statistics of each channel of the samples.
func Stats(d *Dataset) []ChannelStats {
	stats := make([]ChannelStats, d.Channels)
	values := make([][]float64, d.Channels)
	for idx := range d.Len() {
		sample, _, _ := d.Example(idx)
		for ch := range d.Channels {
			for _, v := range sample[ch*d.SeqLength : (ch+1)*d.SeqLength] {
				values[ch] = append(values[ch], float64(v))
			}
		}
	}
	for ch, chValues := range values {
		if len(chValues) == 0 {
			continue
		}
		stats[ch].Mean, stats[ch].StdDev = stat.MeanStdDev(chValues, nil)
		stats[ch].Min, stats[ch].Max = chValues[0], chValues[0]
		for _, v := range chValues {
			stats[ch].Min = min(stats[ch].Min, v)
			stats[ch].Max = max(stats[ch].Max, v)
		}
	}
	return stats
}

// String implements fmt.Stringer.
func (cs ChannelStats) String() string {
	return fmt.Sprintf("mean=%.4g, stddev=%.4g, range=[%.4g, %.4g]", cs.Mean, cs.StdDev, cs.Min, cs.Max)
}

// StatsString returns one line per channel with its statistics.
func StatsString(stats []ChannelStats) string {
	var sb strings.Builder
	for ch, cs := range stats {
		fmt.Fprintf(&sb, "  channel #%d: %s\n", ch, cs)
	}
	return sb.String()
}
