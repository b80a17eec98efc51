package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/retry"
)

type fakeS3 struct {
	objects map[string][]byte
	fail    int
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("slow down")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func terminalSession(t *testing.T) *model.CallSession {
	s, err := model.NewCallSession(
		model.Vendor{Name: "Kullu Taxi", Phone: "+919800000009", Category: "taxi"},
		model.TripContext{TripID: "trip_9", Destination: "Kullu", MarketRate: 2500, BudgetMax: 3000, PartySize: 2},
		time.Now(),
	)
	require.NoError(t, err)
	s.Status = model.StatusDeadlock
	s.Outcome = model.OutcomeDeadlock
	return s
}

// TestS3ArchiverWritesSessionAndRecording 测试对象键与内容
func TestS3ArchiverWritesSessionAndRecording(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}, fail: 1}
	a := NewS3Archiver(client, "archive", "/sessions/", retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond})
	s := terminalSession(t)

	require.NoError(t, a.Archive(context.Background(), s, []byte(`{"events":[]}`)))

	doc, ok := client.objects["archive/sessions/trip_9/"+s.CallID+"/session.json"]
	require.True(t, ok)
	decoded, err := model.DecodeSession(doc)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeadlock, decoded.Status)

	assert.Equal(t, []byte(`{"events":[]}`), client.objects["archive/sessions/trip_9/"+s.CallID+"/recording.json"])
}

// TestS3ArchiverSkipsEmptyRecording 测试没有录制时只写会话
func TestS3ArchiverSkipsEmptyRecording(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	a := NewS3Archiver(client, "b", "", retry.Policy{MaxAttempts: 1})
	require.NoError(t, a.Archive(context.Background(), terminalSession(t), nil))
	assert.Len(t, client.objects, 1)
}
