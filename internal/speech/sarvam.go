// Package speech 语音合成与识别客户端
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/retry"
)

// Synthesizer 文本转语音，返回WAV字节
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice model.AgentVoice) ([]byte, error)
}

// Transcriber 语音转文本，输入WAV字节
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

const collaborator = "sarvam"

// SarvamClient Sarvam REST接口
type SarvamClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	ttsModel   string
	sttModel   string
	language   string
	policy     retry.Policy
}

// NewSarvamClient 创建客户端
func NewSarvamClient(cfg config.SarvamConfig, language string, policy retry.Policy) *SarvamClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SarvamClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		ttsModel:   cfg.TTSModel,
		sttModel:   cfg.STTModel,
		language:   language,
		policy:     policy,
	}
}

type ttsRequest struct {
	Inputs              []string `json:"inputs"`
	TargetLanguageCode  string   `json:"target_language_code"`
	Speaker             string   `json:"speaker"`
	Model               string   `json:"model"`
	EnablePreprocessing bool     `json:"enable_preprocessing"`
}

type ttsResponse struct {
	RequestID string   `json:"request_id"`
	Audios    []string `json:"audios"`
}

type sttResponse struct {
	RequestID    string `json:"request_id"`
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
}

// Synthesize 合成语音，临时失败按策略重试
func (c *SarvamClient) Synthesize(ctx context.Context, text string, voice model.AgentVoice) ([]byte, error) {
	body, err := json.Marshal(ttsRequest{
		Inputs:              []string{text},
		TargetLanguageCode:  c.language,
		Speaker:             voice.Speaker,
		Model:               c.ttsModel,
		EnablePreprocessing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	return retry.Value(ctx, c.policy, "sarvam tts", func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/text-to-speech", bytes.NewReader(body))
		if err != nil {
			return nil, model.Permanent(collaborator, "tts", 0, err)
		}
		req.Header.Set("Content-Type", "application/json")

		var out ttsResponse
		if err := c.do(req, "tts", &out); err != nil {
			return nil, err
		}
		if len(out.Audios) == 0 || out.Audios[0] == "" {
			return nil, model.Transient(collaborator, "tts", fmt.Errorf("response has no audio"))
		}
		wav, err := base64.StdEncoding.DecodeString(out.Audios[0])
		if err != nil {
			return nil, model.Permanent(collaborator, "tts", 0, fmt.Errorf("decode audio: %w", err))
		}
		return wav, nil
	})
}

// Transcribe 识别一段WAV，空结果不算错误
func (c *SarvamClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return retry.Value(ctx, c.policy, "sarvam stt", func(ctx context.Context) (string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
		header.Set("Content-Type", "audio/wav")
		part, err := mw.CreatePart(header)
		if err != nil {
			return "", model.Permanent(collaborator, "stt", 0, err)
		}
		if _, err := part.Write(wav); err != nil {
			return "", model.Permanent(collaborator, "stt", 0, err)
		}
		_ = mw.WriteField("model", c.sttModel)
		_ = mw.WriteField("language_code", c.language)
		if err := mw.Close(); err != nil {
			return "", model.Permanent(collaborator, "stt", 0, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/speech-to-text", &buf)
		if err != nil {
			return "", model.Permanent(collaborator, "stt", 0, err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		var out sttResponse
		if err := c.do(req, "stt", &out); err != nil {
			return "", err
		}
		return strings.TrimSpace(out.Transcript), nil
	})
}

// do 发送请求并按状态码归类错误：429和5xx可重试，其余4xx不可重试
func (c *SarvamClient) do(req *http.Request, op string, out interface{}) error {
	req.Header.Set("api-subscription-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Transient(collaborator, op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return model.Transient(collaborator, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(payload), 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return model.Transient(collaborator, op, cause)
		}
		return model.Permanent(collaborator, op, resp.StatusCode, cause)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return model.Permanent(collaborator, op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
