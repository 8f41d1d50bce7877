package model

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// spectrogramFrame is the number of samples per energy bin.
const spectrogramFrame = 160

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// energyProfile returns the RMS energy of consecutive bins of 16-bit PCM, normalised to [0,1].
func energyProfile(pcm []byte, channels int) *Spectrogram {
	if channels <= 0 {
		channels = 1
	}
	frameBytes := spectrogramFrame * channels * 2
	if len(pcm) < frameBytes {
		return &Spectrogram{FrameSize: spectrogramFrame}
	}
	bins := len(pcm) / frameBytes
	out := make([]float64, bins)
	for b := 0; b < bins; b++ {
		var sum float64
		chunk := pcm[b*frameBytes : (b+1)*frameBytes]
		for i := 0; i+1 < len(chunk); i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(chunk[i:]))) / math.MaxInt16
			sum += v * v
		}
		out[b] = math.Sqrt(sum / float64(len(chunk)/2))
	}
	return &Spectrogram{FrameSize: spectrogramFrame, Data: out}
}

// hopFor is the time between the starts of consecutive analysis windows.
func hopFor(window time.Duration, overlap float64) time.Duration {
	hop := time.Duration(float64(window) * (1 - overlap))
	if hop <= 0 {
		return window
	}
	return hop
}
