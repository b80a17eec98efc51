package streamserver

import (
	"encoding/json"
	"fmt"
)

// 媒体流事件
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Frame 电话平台媒体流上的一条JSON消息
type Frame struct {
	Event          string        `json:"event"`
	StreamSID      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// StartPayload start事件
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload media事件，payload为base64 μ-law
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload stop事件
type StopPayload struct {
	CallSID string `json:"callSid,omitempty"`
}

// DecodeFrame 解析一条入站消息
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("decode stream frame: missing event")
	}
	return &f, nil
}

// OutboundMedia 出站音频帧
func OutboundMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(Frame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: payload},
	})
}

// inbound 是否为商家一侧的音频
func (m *MediaPayload) inbound() bool {
	return m.Track == "" || m.Track == "inbound"
}
