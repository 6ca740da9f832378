// Package audio captures microphone audio for one listen cycle.
package audio

import "time"

// Frame is a chunk of 16-bit little-endian PCM pushed by a microphone stream.
type Frame struct {
	PCM   []byte
	Final bool
}

// Capture is the audio collected by a Recorder for one cycle.
type Capture struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Aborted    bool
}

// Samples returns the number of sample frames in the capture.
func (c Capture) Samples() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.PCM) / 2 / c.Channels
}

func (c Capture) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples()) * time.Second / time.Duration(c.SampleRate)
}

// WAV encodes the capture as a 16-bit PCM WAV file.
func (c Capture) WAV() ([]byte, error) {
	return EncodeWAV(c.PCM, c.SampleRate, c.Channels)
}
