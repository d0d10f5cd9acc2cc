package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-hq/sentinel/internal/model"
)

func signSlackBody(t *testing.T, secret string, ts string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestSlackSendPromptPostsMessage(t *testing.T) {
	var gotAuth string
	var gotBody slackPostMessageRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sl := NewSlack("xoxb-test", "secret")
	sl.httpClient = server.Client()
	overrideSlackBaseForTest(t, server.URL)

	_, err := sl.SendPrompt(context.Background(), "C123", model.Prompt{ID: "p1", Kind: model.KindYesNo, Excerpt: "continue?", Nonce: "nonce-1"})
	require.NoError(t, err)
	require.Equal(t, "Bearer xoxb-test", gotAuth)
	require.Equal(t, "C123", gotBody.Channel)
}

func TestSlackWebhookHandlerRespondsToURLVerification(t *testing.T) {
	sl := NewSlack("xoxb-test", "secret")
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", signSlackBody(t, "secret", ts, body))

	rr := httptest.NewRecorder()
	sl.WebhookHandler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "abc123", rr.Body.String())
}

func TestSlackWebhookHandlerRejectsBadSignature(t *testing.T) {
	sl := NewSlack("xoxb-test", "secret")
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)

	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", "123")
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")

	rr := httptest.NewRecorder()
	sl.WebhookHandler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSlackWebhookHandlerRoutesMessageToPendingPrompt(t *testing.T) {
	sl := NewSlack("xoxb-test", "secret")
	sl.mu.Lock()
	sl.pending["C123"] = pendingPrompt{sessionID: "C123", promptID: "p1", nonce: "nonce-1"}
	sl.mu.Unlock()

	body := []byte(`{"type":"event_callback","event":{"type":"message","user":"U1","text":"y","channel":"C123"}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", signSlackBody(t, "secret", ts, body))

	rr := httptest.NewRecorder()
	sl.WebhookHandler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	select {
	case msg := <-sl.Inbound():
		require.Equal(t, "p1", msg.PromptID)
		require.Equal(t, "y", msg.Body)
	case <-time.After(time.Second):
		t.Fatal("expected an inbound message")
	}
}

func overrideSlackBaseForTest(t *testing.T, base string) {
	t.Helper()
	original := slackAPIBase
	slackAPIBase = base
	t.Cleanup(func() { slackAPIBase = original })
}
