package audio

import "math"

// minRMS floors the RMS value so the decibel conversion never sees zero.
const minRMS = 1e-10

// RMS computes the root-mean-square amplitude of little-endian int16 PCM,
// normalized to [-1, 1]. Empty or odd-length input yields the floor value.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return minRMS
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		n := float64(s) / 32768.0
		sum += n * n
	}
	rms := math.Sqrt(sum / float64(samples))
	if rms < minRMS {
		return minRMS
	}
	return rms
}

// DB converts a normalized RMS amplitude to decibels (20·log10). Values at or
// below the floor map to a large negative constant instead of -Inf.
func DB(rms float64) float64 {
	if rms <= minRMS {
		return 20 * math.Log10(minRMS)
	}
	return 20 * math.Log10(rms)
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
