package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/zaf/g711"

	"VoiceBargainer/internal/model"
)

const (
	// SampleRate 电话线路采样率
	SampleRate = 8000
	// FrameBytes 20ms的μ-law帧
	FrameBytes = 160
)

var errUnsupportedWav = errors.New("unsupported wav encoding")

// DecodeMulaw μ-law字节解码为16位PCM样本
func DecodeMulaw(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, b := range ulaw {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// EncodeMulaw 16位PCM样本编码为μ-law
func EncodeMulaw(samples []int16) []byte {
	return g711.EncodeUlaw(pcm16LE(samples))
}

func pcm16LE(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// MulawToWav 把入站μ-law封装为8kHz单声道16位WAV，供STT上传
func MulawToWav(ulaw []byte) ([]byte, error) {
	samples := DecodeMulaw(ulaw)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, SampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: encode wav: %v", model.ErrAudioConversion, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("%w: close wav: %v", model.ErrAudioConversion, err)
	}
	return ws.Bytes(), nil
}

// wavToMulaw 解码PCM WAV，混成单声道并重采样到8kHz后编码
func wavToMulaw(data []byte) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav file", errUnsupportedWav)
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: format %d", errUnsupportedWav, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnsupportedWav, err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}
	shift := int(dec.BitDepth) - 16
	if dec.BitDepth != 16 && dec.BitDepth != 24 && dec.BitDepth != 32 {
		return nil, fmt.Errorf("%w: %d-bit", errUnsupportedWav, dec.BitDepth)
	}

	mono := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i+c] >> shift
		}
		mono = append(mono, clamp16(sum/channels))
	}

	return EncodeMulaw(resample(mono, int(dec.SampleRate), SampleRate)), nil
}

// resample 线性插值重采样
func resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

func clamp16(v int) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// Frames 切成20ms帧，最后一帧用μ-law静音补齐
func Frames(ulaw []byte) [][]byte {
	var frames [][]byte
	for off := 0; off < len(ulaw); off += FrameBytes {
		end := off + FrameBytes
		if end <= len(ulaw) {
			frames = append(frames, ulaw[off:end])
			continue
		}
		last := bytes.Repeat([]byte{0xFF}, FrameBytes)
		copy(last, ulaw[off:])
		frames = append(frames, last)
	}
	return frames
}

// writeSeeker wav.Encoder需要回写文件头，这里提供内存版本
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if need := w.pos + len(p); need > len(w.buf) {
		w.buf = append(w.buf, make([]byte, need-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}
	w.pos = int(abs)
	return abs, nil
}

func (w *writeSeeker) Bytes() []byte { return w.buf }
