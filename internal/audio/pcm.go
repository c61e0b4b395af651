// Package audio holds PCM helpers shared by the ingress, VAD, and egress paths.
// All audio inside the runtime is signed 16-bit little-endian mono.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	// BytesPerSample is fixed by the PCM16 wire format.
	BytesPerSample = 2
)

// ErrOddLength reports a PCM16 payload that does not align to whole samples.
var ErrOddLength = errors.New("pcm payload not aligned to 16-bit samples")

// DecodePCM16 converts little-endian PCM16 bytes to normalized float32
// samples in [-1, 1].
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, ErrOddLength
	}
	samples := make([]float32, len(data)/BytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// EncodePCM16 converts normalized float32 samples back to little-endian
// PCM16 bytes, clipping anything outside [-1, 1].
func EncodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(v))
	}
	return data
}

// RMS returns the root-mean-square energy of normalized samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// FrameBytes returns the PCM16 byte count covering d at the given mono
// sample rate.
func FrameBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * d.Nanoseconds() / int64(time.Second))
	return samples * BytesPerSample
}

// Duration returns the playback time of a PCM16 payload at the given mono
// sample rate.
func Duration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / BytesPerSample
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// Silence returns a zeroed PCM16 payload covering d at the given mono
// sample rate.
func Silence(sampleRate int, d time.Duration) []byte {
	return make([]byte, FrameBytes(sampleRate, d))
}
