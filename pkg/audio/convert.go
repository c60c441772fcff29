package audio

import (
	"encoding/binary"
	"math"
)

// BytesToInt16 decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square amplitude of PCM16 in sample units (0..32767).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Gain scales PCM16 by factor with clipping. factor 1 returns pcm unchanged.
func Gain(pcm []byte, factor float64) []byte {
	if factor == 1 {
		return pcm
	}
	out := make([]byte, len(pcm)&^1)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * factor
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
	}
	return out
}

// StereoToMono averages interleaved L/R PCM16 into mono.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	dst := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(src[idx])
		s1 := s0
		if idx+1 < len(src) {
			s1 = float64(src[idx+1])
		}
		dst[i] = int16(s0*(1-frac) + s1*frac)
	}
	return Int16ToBytes(dst)
}

// ToMono16 converts PCM16 in format f to mono at rate dstRate.
func ToMono16(pcm []byte, f Format, dstRate int) []byte {
	if f.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, f.SampleRate, dstRate)
}
