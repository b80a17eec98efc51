package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"

	"VoiceBargainer/internal/model"
)

// Transcoder 把TTS返回的WAV转成μ-law 8kHz，在独立的worker上执行，不占用谈判控制路径
type Transcoder struct {
	jobs       chan transcodeJob
	ffmpegPath string
	wg         sync.WaitGroup
	closeOnce  sync.Once
	done       chan struct{}
}

type transcodeJob struct {
	ctx    context.Context
	wav    []byte
	result chan transcodeResult
}

type transcodeResult struct {
	ulaw []byte
	err  error
}

// NewTranscoder 启动workers个转码worker；ffmpegPath为空时不使用外部转码
func NewTranscoder(workers int, ffmpegPath string) *Transcoder {
	if workers < 1 {
		workers = 1
	}
	t := &Transcoder{
		jobs:       make(chan transcodeJob, workers*4),
		ffmpegPath: ffmpegPath,
		done:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

func (t *Transcoder) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case j := <-t.jobs:
			ulaw, err := t.convert(j.ctx, j.wav)
			j.result <- transcodeResult{ulaw: ulaw, err: err}
		}
	}
}

// ToMulaw 提交转码任务并等待结果
func (t *Transcoder) ToMulaw(ctx context.Context, wav []byte) ([]byte, error) {
	j := transcodeJob{ctx: ctx, wav: wav, result: make(chan transcodeResult, 1)}
	select {
	case t.jobs <- j:
	case <-t.done:
		return nil, fmt.Errorf("%w: transcoder closed", model.ErrAudioConversion)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.result:
		return r.ulaw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 停止所有worker
func (t *Transcoder) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
	})
}

func (t *Transcoder) convert(ctx context.Context, wav []byte) ([]byte, error) {
	ulaw, err := wavToMulaw(wav)
	if err == nil {
		return ulaw, nil
	}
	if !errors.Is(err, errUnsupportedWav) || t.ffmpegPath == "" {
		return nil, fmt.Errorf("%w: %v", model.ErrAudioConversion, err)
	}
	log.Printf("native transcode failed (%v), falling back to ffmpeg", err)
	return t.ffmpeg(ctx, wav)
}

// ffmpeg 非PCM的WAV交给ffmpeg处理
func (t *Transcoder) ffmpeg(ctx context.Context, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "mulaw", "-ar", "8000", "-ac", "1",
		"pipe:1")
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", model.ErrAudioConversion, err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: ffmpeg produced no audio", model.ErrAudioConversion)
	}
	return stdout.Bytes(), nil
}
