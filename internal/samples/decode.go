package samples

import (
	"bytes"
	"io"
	"math"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/pkg/errors"
)

var ErrUnknownFormat = errors.New("samples: unrecognized audio format")

// Decode turns an encoded WAV or MP3 payload into mono float32 samples and
// returns them with their sample rate. Multichannel input is averaged down.
func Decode(data []byte) ([]float32, int, error) {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return decodeWAV(data)
	case len(data) >= 3 && string(data[:3]) == "ID3",
		len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return decodeMP3(data)
	}
	return nil, 0, ErrUnknownFormat
}

func decodeWAV(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("samples: invalid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, errors.Wrap(err, "samples: decode WAV")
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		return nil, 0, errors.New("samples: WAV without bit depth")
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	scale := math.Pow(2, float64(bitDepth-1))
	offset := 0
	if bitDepth == 8 {
		// 8-bit PCM is unsigned.
		offset = 128
	}
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[f*channels+c]-offset) / scale
		}
		out[f] = float32(sum / float64(channels))
	}
	return out, buf.Format.SampleRate, nil
}

// go-mp3 always produces 16-bit little-endian stereo.
func decodeMP3(data []byte) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, errors.Wrap(err, "samples: decode MP3")
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, errors.Wrap(err, "samples: decode MP3")
	}
	frames := len(pcm) / 4
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		l := int16(uint16(pcm[f*4]) | uint16(pcm[f*4+1])<<8)
		r := int16(uint16(pcm[f*4+2]) | uint16(pcm[f*4+3])<<8)
		out[f] = (float32(l) + float32(r)) / 65536
	}
	return out, dec.SampleRate(), nil
}
