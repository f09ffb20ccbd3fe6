package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/rangeload/internal/transfer"
)

func TestDiscordNotifier(t *testing.T) {
	bodies := make(chan map[string]string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		payload["content_type"] = r.Header.Get("Content-Type")
		bodies <- payload

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "hello"))
	got := <-bodies
	assert.Equal(t, "hello", got["content"])
	assert.Equal(t, "application/json", got["content_type"])
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "hello")
	assert.EqualError(t, err, "webhook URL is not set")
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, content)

	return nil
}

func TestListener(t *testing.T) {
	rec := &recordingNotifier{}
	task := transfer.NewDownload("http://example.com/file.iso", "/data/file.iso")

	l := NewListener(context.Background(), rec, task)

	l.OnPre(2048)
	l.OnStart(0)
	l.OnProgress(1024)
	l.OnComplete()
	l.OnFail(&transfer.ResourceUnavailableError{Op: "read", Address: "http://example.com/file.iso", Err: errors.New("reset")}, true)
	l.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	require.Len(t, rec.messages, 2)
	assert.ElementsMatch(t, []string{
		"✅ download finished: http://example.com/file.iso (2.0 kB)",
		"❌ download failed: http://example.com/file.iso: " + (&transfer.ResourceUnavailableError{Op: "read", Address: "http://example.com/file.iso", Err: errors.New("reset")}).Error() + " (retryable)",
	}, rec.messages)
}
