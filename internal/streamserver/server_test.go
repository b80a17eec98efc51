package streamserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/testutil"
	"VoiceBargainer/internal/voice"
)

// fakeAttacher 直接用语音引擎创建通道，记录挂接与断开
type fakeAttacher struct {
	engine   *voice.Engine
	err      error
	onAttach func(ch *voice.Channel)

	mu       sync.Mutex
	attached []string
	sids     []string
	detached []string
}

func (f *fakeAttacher) AttachStream(ctx context.Context, callID, streamSID string, sink voice.MediaSink) (*voice.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := f.engine.NewChannel(callID, sink, nil)
	f.mu.Lock()
	f.attached = append(f.attached, callID)
	f.sids = append(f.sids, streamSID)
	f.mu.Unlock()
	if f.onAttach != nil {
		go f.onAttach(ch)
	}
	return ch, nil
}

func (f *fakeAttacher) DetachStream(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, callID)
}

func (f *fakeAttacher) detachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.detached)
}

func newFixture(t *testing.T, stt *testutil.ScriptedSTT) (*fakeAttacher, *Server, string) {
	t.Helper()
	tts := &testutil.StaticTTS{WAV: testutil.ToneWav(t, 40*time.Millisecond)}
	engine := voice.NewEngine(config.VoiceConfig{
		QuietWindow:      30 * time.Millisecond,
		RetryWait:        5 * time.Millisecond,
		FrameQueue:       128,
		TranscodeWorkers: 1,
		VADThreshold:     0.05,
		VADHold:          time.Second,
	}, tts, stt, nil)
	t.Cleanup(engine.Close)

	att := &fakeAttacher{engine: engine}
	srv := New(nil, att, nil)
	router := mux.NewRouter()
	router.Handle("/twilio/stream/{call_id}", srv)
	hs := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		hs.Close()
	})
	return att, srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/twilio/stream/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func startFrame(callID, sid string) Frame {
	return Frame{
		Event:     EventStart,
		StreamSID: sid,
		Start: &StartPayload{
			StreamSID:        sid,
			CallSID:          "CA123",
			Tracks:           []string{"inbound"},
			CustomParameters: map[string]string{"call_id": callID},
		},
	}
}

// TestStreamRoundTrip 测试入站音频被识别、出站音频按帧回放、stop后断开
func TestStreamRoundTrip(t *testing.T) {
	att, srv, base := newFixture(t, testutil.NewScriptedSTT("4000 रुपये"))
	transcripts := make(chan string, 1)
	att.onAttach = func(ch *voice.Channel) {
		ctx := context.Background()
		text, err := ch.Listen(ctx)
		if err != nil {
			return
		}
		transcripts <- text
		ch.Speak(ctx, "ठीक है", model.AgentVoiceFor("male"))
	}

	conn := dial(t, base+"call_path")
	sendJSON(t, conn, Frame{Event: EventConnected})
	sendJSON(t, conn, startFrame("call_param", "MZ1"))

	stop := make(chan struct{})
	var writeMu sync.Mutex
	go testutil.Feed(func(p string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(Frame{Event: EventMedia, StreamSID: "MZ1", Media: &MediaPayload{Track: "inbound", Payload: p}})
	}, 2*time.Millisecond, stop)

	select {
	case text := <-transcripts:
		assert.Equal(t, "4000 रुपये", text)
	case <-time.After(3 * time.Second):
		t.Fatal("no transcript")
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out Frame
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, EventMedia, out.Event)
	assert.Equal(t, "MZ1", out.StreamSID)
	require.NotNil(t, out.Media)
	pcm, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	require.NoError(t, err)
	assert.Len(t, pcm, voice.FrameBytes)

	close(stop)
	writeMu.Lock()
	sendJSON(t, conn, Frame{Event: EventStop, StreamSID: "MZ1"})
	writeMu.Unlock()

	testutil.Eventually(t, 2*time.Second, func() bool { return att.detachCount() == 1 }, "stream detached after stop")
	assert.Equal(t, []string{"call_param"}, att.attached)
	assert.Equal(t, []string{"MZ1"}, att.sids)
	assert.Equal(t, "call_param", att.detached[0])
	assert.GreaterOrEqual(t, srv.GetStats()["total_frames"].(uint64), uint64(1))
}

// TestCallIDFromPath 测试没有自定义参数时使用路径里的call_id
func TestCallIDFromPath(t *testing.T) {
	att, _, base := newFixture(t, testutil.NewScriptedSTT())
	conn := dial(t, base+"call_from_path")
	frame := startFrame("", "MZ2")
	frame.Start.CustomParameters = nil
	sendJSON(t, conn, frame)

	testutil.Eventually(t, time.Second, func() bool {
		att.mu.Lock()
		defer att.mu.Unlock()
		return len(att.attached) == 1 && att.attached[0] == "call_from_path"
	}, "attached by path")
}

// TestAttachFailureClosesStream 测试未知会话的媒体流被关闭
func TestAttachFailureClosesStream(t *testing.T) {
	att, _, base := newFixture(t, testutil.NewScriptedSTT())
	att.err = model.SessionNotFound("call_ghost")

	conn := dial(t, base+"call_ghost")
	sendJSON(t, conn, startFrame("call_ghost", "MZ3"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Zero(t, att.detachCount())
}

// TestFinishedNegotiationClosesStream 测试谈判结束后服务端主动关闭媒体流
func TestFinishedNegotiationClosesStream(t *testing.T) {
	att, _, base := newFixture(t, testutil.NewScriptedSTT())
	att.onAttach = func(ch *voice.Channel) {
		time.Sleep(20 * time.Millisecond)
		ch.Close()
	}

	conn := dial(t, base+"call_done")
	sendJSON(t, conn, startFrame("call_done", "MZ4"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
			break
		}
	}
	testutil.Eventually(t, time.Second, func() bool { return att.detachCount() == 1 }, "detached after finish")
}

// TestClientDisconnectDetaches 测试平台断开连接
func TestClientDisconnectDetaches(t *testing.T) {
	att, srv, base := newFixture(t, testutil.NewScriptedSTT())
	conn := dial(t, base+"call_drop")
	sendJSON(t, conn, startFrame("call_drop", "MZ5"))
	testutil.Eventually(t, time.Second, func() bool {
		att.mu.Lock()
		defer att.mu.Unlock()
		return len(att.attached) == 1
	}, "attached")

	conn.Close()
	testutil.Eventually(t, 2*time.Second, func() bool { return att.detachCount() == 1 }, "detached after disconnect")
	testutil.Eventually(t, time.Second, func() bool {
		return srv.GetStats()["current_connections"].(int32) == 0
	}, "connection released")
}

// TestDecodeFrame 测试帧解析
func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"event":"media","streamSid":"MZ9","media":{"track":"outbound","payload":"AA=="}}`))
	require.NoError(t, err)
	assert.Equal(t, EventMedia, f.Event)
	assert.False(t, f.Media.inbound())

	_, err = DecodeFrame([]byte(`{"streamSid":"MZ9"}`))
	assert.Error(t, err)
	_, err = DecodeFrame([]byte(`not json`))
	assert.Error(t, err)

	raw, err := OutboundMedia("MZ9", "AA==")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ9","media":{"payload":"AA=="}}`, string(raw))
}
