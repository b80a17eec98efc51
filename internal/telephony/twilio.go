// Package telephony 外呼、挂断与Twilio回调处理
package telephony

import (
	"context"
	"errors"
	"net/http"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/retry"
)

const collaborator = "twilio"

// DialMode 接通后的对话方式
type DialMode string

const (
	// DialStream 双向媒体流，本服务负责识别与合成
	DialStream DialMode = "stream"
	// DialWebhook 由电话平台做语音识别，逐轮回调
	DialWebhook DialMode = "webhook"
)

// Bridge 电话桥
type Bridge interface {
	Dial(ctx context.Context, s *model.CallSession, mode DialMode) (string, error)
	Hangup(ctx context.Context, callSID string) error
}

// CallAPI twilio-go中用到的调用接口，*openapi.ApiService 满足它
type CallAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioBridge 基于Twilio的电话桥
type TwilioBridge struct {
	api    CallAPI
	from   string
	urls   URLs
	policy retry.Policy
	hub    *logger.Hub
}

// NewTwilioAPI 按配置创建REST客户端
func NewTwilioAPI(cfg config.TwilioConfig) CallAPI {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return client.Api
}

// NewTwilioBridge 创建电话桥
func NewTwilioBridge(api CallAPI, from, publicBaseURL string, policy retry.Policy, hub *logger.Hub) *TwilioBridge {
	return &TwilioBridge{api: api, from: from, urls: NewURLs(publicBaseURL), policy: policy, hub: hub}
}

// URLs 回调地址
func (b *TwilioBridge) URLs() URLs { return b.urls }

// Dial 呼叫商家，返回平台侧的call sid
func (b *TwilioBridge) Dial(ctx context.Context, s *model.CallSession, mode DialMode) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(s.Vendor.Phone)
	params.SetFrom(b.from)
	params.SetStatusCallback(b.urls.Status(s.CallID))
	params.SetStatusCallbackMethod(http.MethodPost)
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetRecord(true)

	switch mode {
	case DialWebhook:
		params.SetUrl(b.urls.Start(s.CallID))
		params.SetMethod(http.MethodPost)
	default:
		doc, err := StreamTwiML(b.urls.Stream(s.CallID), s.CallID)
		if err != nil {
			return "", err
		}
		params.SetTwiml(doc)
	}

	call, err := retry.Value(ctx, b.policy, "twilio create call", func(ctx context.Context) (*openapi.ApiV2010Call, error) {
		call, err := b.api.CreateCall(params)
		return call, classify("create call", err)
	})
	if err != nil {
		b.hub.Error("telephony", s.CallID, "dial %s failed: %v", s.Vendor.Phone, err)
		return "", err
	}
	if call == nil || call.Sid == nil {
		return "", model.Permanent(collaborator, "create call", 0, errors.New("response has no call sid"))
	}

	b.hub.Info("telephony", s.CallID, "dialing %s (%s), sid=%s", s.Vendor.Name, mode, *call.Sid)
	return *call.Sid, nil
}

// Hangup 结束通话
func (b *TwilioBridge) Hangup(ctx context.Context, callSID string) error {
	if callSID == "" {
		return nil
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	return retry.Do(ctx, b.policy, "twilio hangup", func(ctx context.Context) error {
		_, err := b.api.UpdateCall(callSID, params)
		return classify("hangup", err)
	})
}

// classify 429和5xx可重试
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == http.StatusTooManyRequests || restErr.Status >= 500 {
			return model.Transient(collaborator, op, err)
		}
		return model.Permanent(collaborator, op, restErr.Status, err)
	}
	return model.Transient(collaborator, op, err)
}
