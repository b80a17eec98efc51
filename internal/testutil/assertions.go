package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Eventually 轮询直到cond为真
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond, msg)
	t.Logf("✅ %s", msg)
}

// Feed 持续向ingest发送有声音的帧，直到stop关闭
func Feed(ingest func(payload string) error, interval time.Duration, stop <-chan struct{}) {
	payload := LoudFramePayload()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ingest(payload); err != nil {
				return
			}
		}
	}
}
