package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned by DecodeWAV when the input is not a RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid wav data")

// EncodeWAV wraps PCM16 in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio: encode wav: invalid format %s", f)
	}
	samples := BytesToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, f.SampleRate, 16, f.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	return ws.buf, nil
}

// DecodeWAV reads a PCM WAV file and returns its samples as PCM16 together with
// the file's format. 8, 24 and 32-bit integer files are converted to 16-bit.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	f := Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans)}

	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch d.BitDepth {
		case 8:
			out[i] = int16((v - 128) << 8)
		case 24:
			out[i] = int16(v >> 8)
		case 32:
			out[i] = int16(v >> 16)
		default:
			out[i] = int16(v)
		}
	}
	return Int16ToBytes(out), f, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: seek: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("audio: seek: negative position")
	}
	w.pos = int(next)
	return next, nil
}
