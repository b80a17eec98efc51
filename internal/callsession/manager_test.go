package callsession

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/retry"
	"VoiceBargainer/internal/store"
	"VoiceBargainer/internal/telephony"
	"VoiceBargainer/internal/testutil"
	"VoiceBargainer/internal/voice"
)

type harness struct {
	mgr      *Manager
	store    *store.MemoryStore
	bridge   *testutil.FakeBridge
	archiver *testutil.MemoryArchiver
	tts      *testutil.StaticTTS
	stt      *testutil.ScriptedSTT
}

func newHarness(t *testing.T, mode telephony.DialMode, replies []string) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		bridge:   &testutil.FakeBridge{},
		archiver: testutil.NewMemoryArchiver(),
		tts:      &testutil.StaticTTS{WAV: testutil.ToneWav(t, 60*time.Millisecond)},
		stt:      testutil.NewScriptedSTT(replies...),
	}

	var engine *voice.Engine
	if mode == telephony.DialStream {
		engine = voice.NewEngine(config.VoiceConfig{
			QuietWindow:      40 * time.Millisecond,
			RetryWait:        10 * time.Millisecond,
			FrameQueue:       256,
			TranscodeWorkers: 1,
			VADThreshold:     0.05,
			VADHold:          time.Second,
		}, h.tts, h.stt, nil)
		t.Cleanup(engine.Close)
	}

	h.mgr = NewManager(Deps{
		Machine:  negotiation.NewMachine(negotiation.DefaultPolicy(), nil),
		Store:    h.store,
		Deals:    h.store,
		Bridge:   h.bridge,
		Engine:   engine,
		Archiver: h.archiver,
	}, Settings{
		Mode:          mode,
		PublicBaseURL: "https://bargainer.test",
		RoundPacing:   time.Millisecond,
		EndGrace:      5 * time.Millisecond,
		CallTimeout:   5 * time.Second,
		Retry:         retry.Policy{MaxAttempts: 1},
	})
	return h
}

func vendor(phone string) model.Vendor {
	return model.Vendor{Name: "Sharma Homestay", Phone: phone, Category: "homestay", Gender: "female"}
}

func trip() model.TripContext {
	return model.TripContext{TripID: "trip_cs", Destination: "Shimla", MarketRate: 2800, BudgetMax: 3000, PartySize: 2}
}

// runStreamCall 外呼、建立媒体流并持续送入音频，直到通话收尾
func runStreamCall(t *testing.T, h *harness, phone string) Result {
	t.Helper()
	ctx := context.Background()

	s, err := h.mgr.Open(ctx, vendor(phone), trip())
	require.NoError(t, err)

	ch, err := h.mgr.AttachStream(ctx, s.CallID, "MZ"+phone, &testutil.CaptureSink{})
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go testutil.Feed(func(p string) error {
		_, err := ch.Ingest(p)
		return err
	}, 2*time.Millisecond, stop)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := h.mgr.Await(waitCtx, s.CallID)
	require.NoError(t, err)
	return res
}

// TestStreamCallReachesDeal 测试流式模式从问候到成交的完整通话
func TestStreamCallReachesDeal(t *testing.T) {
	h := newHarness(t, telephony.DialStream, testutil.ConcedingReplies(4000, 0.92, 5))
	res := runStreamCall(t, h, "+919800000101")

	require.NotNil(t, res.Deal)
	assert.Equal(t, int64(2866), res.Deal.NegotiatedPrice)
	assert.Equal(t, 5, res.Deal.Rounds)
	assert.Equal(t, model.StatusCompleted, res.Session.Status)
	assert.Equal(t, model.OutcomeDealSuccess, res.Session.Outcome)
	require.NotNil(t, res.Session.FinalRound)
	assert.Equal(t, 5, *res.Session.FinalRound)
	assert.NotNil(t, res.Session.EndedAt)

	// 终态会话归档后从在线存储删除
	callID := res.Session.CallID
	_, err := h.store.Get(context.Background(), callID)
	assert.ErrorIs(t, err, model.ErrInvalidSession)
	archived, ok := h.archiver.Archived(callID)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeDealSuccess, archived.Outcome)
	assert.Contains(t, string(h.archiver.Recordings[callID]), "TRANSCRIPT")

	deals, err := h.store.ListDeals(context.Background(), "trip_cs")
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, int64(2866), deals[0].NegotiatedPrice)

	assert.Equal(t, []string{"CA0001"}, h.bridge.HungUp)

	// 问候语在外呼前合成，接通后命中缓存
	texts := h.tts.SpokenTexts()
	require.NotEmpty(t, texts)
	assert.True(t, strings.HasPrefix(texts[0], "Hello, Sharma Homestay"))
	greetings := 0
	for _, text := range texts {
		if strings.HasPrefix(text, "Hello,") {
			greetings++
		}
	}
	assert.Equal(t, 1, greetings)

	got, err := h.mgr.Get(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	testutil.Eventually(t, time.Second, func() bool { return h.mgr.Registry().Len() == 0 }, "stream unregistered")
}

// TestStreamCallFirmVendorDeadlocks 测试坚持原价的商家以僵局结束
func TestStreamCallFirmVendorDeadlocks(t *testing.T) {
	h := newHarness(t, telephony.DialStream, testutil.FirmReplies(5000, 6))
	res := runStreamCall(t, h, "+919800000102")

	assert.Nil(t, res.Deal)
	assert.Equal(t, model.StatusDeadlock, res.Session.Status)
	assert.Equal(t, model.OutcomeDeadlock, res.Session.Outcome)
	assert.Equal(t, 6, res.Session.Round)

	deals, err := h.store.ListDeals(context.Background(), "trip_cs")
	require.NoError(t, err)
	assert.Empty(t, deals)
}

// TestStreamCallWithoutQuoteDeadlocks 测试一直没有报价
func TestStreamCallWithoutQuoteDeadlocks(t *testing.T) {
	h := newHarness(t, telephony.DialStream, nil)
	res := runStreamCall(t, h, "+919800000103")

	assert.Equal(t, model.StatusDeadlock, res.Session.Status)
	assert.Equal(t, 2, res.Session.Round)
	assert.Nil(t, res.Session.CurrentQuote)
}

// TestDetachStreamEndsCall 测试媒体流断开时取消谈判并收尾
func TestDetachStreamEndsCall(t *testing.T) {
	h := newHarness(t, telephony.DialStream, testutil.FirmReplies(5000, 20))
	ctx := context.Background()

	s, err := h.mgr.Open(ctx, vendor("+919800000104"), trip())
	require.NoError(t, err)
	_, err = h.mgr.AttachStream(ctx, s.CallID, "MZ1", &testutil.CaptureSink{})
	require.NoError(t, err)

	_, err = h.mgr.AttachStream(ctx, s.CallID, "MZ2", &testutil.CaptureSink{})
	assert.Error(t, err, "second stream for the same call is rejected")

	require.NoError(t, h.mgr.WebhookStatus(ctx, s.CallID, "completed"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := h.mgr.Await(waitCtx, s.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Session.Status)
	assert.Equal(t, model.OutcomeEnded, res.Session.Outcome)
	assert.Nil(t, res.Deal)
	testutil.Eventually(t, time.Second, func() bool { return h.mgr.Registry().Len() == 0 }, "stream unregistered")
}

// TestAttachUnknownCall 测试未知call_id直接失败
func TestAttachUnknownCall(t *testing.T) {
	h := newHarness(t, telephony.DialStream, nil)
	_, err := h.mgr.AttachStream(context.Background(), "call_nope", "MZ", &testutil.CaptureSink{})
	assert.ErrorIs(t, err, model.ErrInvalidSession)
}

// TestDialFailureEndsSession 测试拨号失败
func TestDialFailureEndsSession(t *testing.T) {
	h := newHarness(t, telephony.DialStream, nil)
	h.bridge.DialErr = model.Permanent("twilio", "create call", 400, errors.New("invalid number"))

	s, err := h.mgr.Open(context.Background(), vendor("+919800000105"), trip())
	require.Error(t, err)
	require.NotNil(t, s)

	archived, ok := h.archiver.Archived(s.CallID)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeEnded, archived.Outcome)
}

// TestNegotiateTimesOutWithoutAnswer 测试商家不接听时按超时收尾
func TestNegotiateTimesOutWithoutAnswer(t *testing.T) {
	h := newHarness(t, telephony.DialStream, nil)
	h.mgr.settings.CallTimeout = 50 * time.Millisecond

	deal, err := h.mgr.Negotiate(context.Background(), vendor("+919800000106"), trip())
	require.NoError(t, err)
	assert.Nil(t, deal)
	assert.Equal(t, 1, h.bridge.HangupCount())
}

// TestWebhookConversation 测试逐轮回调模式
func TestWebhookConversation(t *testing.T) {
	h := newHarness(t, telephony.DialWebhook, nil)
	ctx := context.Background()

	s, err := h.mgr.Open(ctx, vendor("+919800000107"), trip())
	require.NoError(t, err)
	assert.Equal(t, []telephony.DialMode{telephony.DialWebhook}, h.bridge.Modes)

	doc, err := h.mgr.WebhookStart(ctx, s.CallID)
	require.NoError(t, err)
	assert.Contains(t, doc, "Gather")
	assert.Contains(t, doc, "Shimla")

	stored, err := h.store.Get(ctx, s.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.StageInitiated, stored.WebhookStage)
	assert.Equal(t, model.StatusGreeting, stored.Status)

	doc, err = h.mgr.WebhookGather(ctx, s.CallID, "4000 रुपये लगेगा")
	require.NoError(t, err)
	assert.Contains(t, doc, "Gather")

	stored, err = h.store.Get(ctx, s.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.StageNegotiation, stored.WebhookStage)
	assert.Equal(t, model.StatusPitching, stored.Status)
	assert.Equal(t, 1, stored.Round)

	doc, err = h.mgr.WebhookGather(ctx, s.CallID, "चलिए 2900 में कर देंगे")
	require.NoError(t, err)
	assert.Contains(t, doc, "Hangup")

	res, err := h.mgr.Await(ctx, s.CallID)
	require.NoError(t, err)
	require.NotNil(t, res.Deal)
	assert.Equal(t, int64(2900), res.Deal.NegotiatedPrice)
	assert.Equal(t, model.StageTerminal, res.Session.WebhookStage)

	// 收尾之后的回调不再改变结果
	require.NoError(t, h.mgr.WebhookStatus(ctx, s.CallID, "completed"))
	_, err = h.mgr.WebhookGather(ctx, s.CallID, "hello")
	assert.ErrorIs(t, err, model.ErrInvalidSession)
}

// TestFinishedCallsExpire 测试已结束通话的内存结果在保留期后释放
func TestFinishedCallsExpire(t *testing.T) {
	h := newHarness(t, telephony.DialWebhook, nil)
	h.mgr.settings.ResultRetention = 200 * time.Millisecond
	ctx := context.Background()

	s, err := h.mgr.Open(ctx, vendor("+919800000111"), trip())
	require.NoError(t, err)
	_, err = h.mgr.WebhookStart(ctx, s.CallID)
	require.NoError(t, err)
	_, err = h.mgr.WebhookGather(ctx, s.CallID, "4000 रुपये लगेगा")
	require.NoError(t, err)
	_, err = h.mgr.WebhookGather(ctx, s.CallID, "चलिए 2900 में कर देंगे")
	require.NoError(t, err)

	res, err := h.mgr.Await(ctx, s.CallID)
	require.NoError(t, err)
	require.NotNil(t, res.Deal)

	got, err := h.mgr.Get(ctx, s.CallID)
	require.NoError(t, err, "result is served from memory within the retention window")
	assert.Equal(t, model.StatusCompleted, got.Status)

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := h.mgr.lookup(s.CallID)
		return !ok
	}, "finished call state should be evicted")
	assert.Nil(t, h.mgr.LastStep(s.CallID))
	_, err = h.mgr.Get(ctx, s.CallID)
	assert.ErrorIs(t, err, model.ErrInvalidSession)
}

// TestWebhookStatusNoAnswer 测试未接通
func TestWebhookStatusNoAnswer(t *testing.T) {
	h := newHarness(t, telephony.DialWebhook, nil)
	ctx := context.Background()

	s, err := h.mgr.Open(ctx, vendor("+919800000108"), trip())
	require.NoError(t, err)

	require.NoError(t, h.mgr.WebhookStatus(ctx, s.CallID, "ringing"))
	require.NoError(t, h.mgr.WebhookStatus(ctx, s.CallID, "no-answer"))

	res, err := h.mgr.Await(ctx, s.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeEnded, res.Session.Outcome)
	assert.Equal(t, 0, res.Session.Round)
	assert.Zero(t, h.bridge.HangupCount())
}

// TestWebhookUnknownCall 测试未知call_id
func TestWebhookUnknownCall(t *testing.T) {
	h := newHarness(t, telephony.DialWebhook, nil)
	_, err := h.mgr.WebhookGather(context.Background(), "call_ghost", "4000")
	assert.ErrorIs(t, err, model.ErrInvalidSession)
	err = h.mgr.WebhookStatus(context.Background(), "call_ghost", "completed")
	assert.ErrorIs(t, err, model.ErrInvalidSession)
}

// TestRegistry 测试流注册表
func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &StreamHandle{CallID: "a", StreamSID: "MZa", StartedAt: time.Now()}
	b := &StreamHandle{CallID: "b", StreamSID: "MZb", StartedAt: time.Now().Add(time.Second)}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.Error(t, r.Register(&StreamHandle{CallID: "a"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].CallID)

	r.Unregister(&StreamHandle{CallID: "a"})
	assert.Equal(t, 2, r.Len(), "stale handle must not remove the current one")
	r.Unregister(a)
	_, ok := r.Get("a")
	assert.False(t, ok)
}
