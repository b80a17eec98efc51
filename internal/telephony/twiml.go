package telephony

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// Callback路径，call_id为最后一段
const (
	PathStart  = "/twilio/start/"
	PathGather = "/twilio/gather/"
	PathStatus = "/twilio/status/"
	PathStream = "/twilio/stream/"
)

// URLs 由对外地址拼出的回调地址
type URLs struct {
	Base string
}

// NewURLs base形如 https://bargainer.example.com
func NewURLs(base string) URLs {
	return URLs{Base: strings.TrimRight(base, "/")}
}

func (u URLs) Start(callID string) string  { return u.Base + PathStart + url.PathEscape(callID) }
func (u URLs) Gather(callID string) string { return u.Base + PathGather + url.PathEscape(callID) }
func (u URLs) Status(callID string) string { return u.Base + PathStatus + url.PathEscape(callID) }

// Stream 媒体流地址，http(s)换成ws(s)
func (u URLs) Stream(callID string) string {
	base := u.Base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + PathStream + url.PathEscape(callID)
}

// StreamTwiML 接通后把双向媒体流连到本服务，Pause让通话在流建立前不挂断
func StreamTwiML(streamURL, callID string) (string, error) {
	stream := twiml.VoiceStream{
		Url: streamURL,
		InnerElements: []twiml.Element{
			twiml.VoiceParameter{Name: "call_id", Value: callID},
		},
	}
	connect := twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	pause := twiml.VoicePause{Length: "60"}
	doc, err := twiml.Voice([]twiml.Element{connect, pause})
	if err != nil {
		return "", fmt.Errorf("render stream twiml: %w", err)
	}
	return doc, nil
}

// GatherTwiML 说一句话并收集一段语音识别结果，结果POST到action
func GatherTwiML(text, action, language string) (string, error) {
	say := twiml.VoiceSay{Message: text, Language: language}
	gather := twiml.VoiceGather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		Language:      language,
		SpeechTimeout: "auto",
		InnerElements: []twiml.Element{say},
	}
	// 没有收到语音时重新进入同一个action
	redirect := twiml.VoiceRedirect{Url: action, Method: "POST"}
	doc, err := twiml.Voice([]twiml.Element{gather, redirect})
	if err != nil {
		return "", fmt.Errorf("render gather twiml: %w", err)
	}
	return doc, nil
}

// HangupTwiML 说完最后一句后挂断
func HangupTwiML(text, language string) (string, error) {
	elements := []twiml.Element{}
	if text != "" {
		elements = append(elements, twiml.VoiceSay{Message: text, Language: language})
	}
	elements = append(elements, twiml.VoiceHangup{})
	doc, err := twiml.Voice(elements)
	if err != nil {
		return "", fmt.Errorf("render hangup twiml: %w", err)
	}
	return doc, nil
}
