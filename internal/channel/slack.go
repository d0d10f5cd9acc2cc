package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/model"
)

// slackAPIBase is a var (not a const) so tests can point it at an
// httptest server instead of the real Slack Web API.
var slackAPIBase = "https://slack.com/api"

// Slack implements Channel over the Slack Web API for outbound messages
// (chat.postMessage) and the Events API for inbound replies, delivered
// to a webhook this type exposes as an http.Handler. Like Telegram,
// no Slack SDK is used: the Web/Events APIs are plain signed JSON HTTP,
// and nothing in the example corpus carries a Slack client to build on.
type Slack struct {
	token         string
	signingSecret string
	httpClient    *http.Client
	inbound       chan InboundMessage

	mu      sync.Mutex
	pending map[string]pendingPrompt // channel ID -> the prompt most recently sent to it
}

// NewSlack constructs a Slack channel. signingSecret verifies inbound
// Events API requests came from Slack (spec section 6's credential
// handling: secrets never logged, never echoed back).
func NewSlack(botToken, signingSecret string) *Slack {
	return &Slack{
		token:         botToken,
		signingSecret: signingSecret,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		inbound:       make(chan InboundMessage, 32),
		pending:       make(map[string]pendingPrompt),
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Inbound() <-chan InboundMessage { return s.inbound }

type slackPostMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type slackPostMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *Slack) send(ctx context.Context, channelID, text string) error {
	body, err := json.Marshal(slackPostMessageRequest{Channel: channelID, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackAPIBase+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed slackPostMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode chat.postMessage response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("slack chat.postMessage: %s", parsed.Error)
	}
	return nil
}

// SendPrompt posts a prompt notification; sessionID doubles as the
// Slack channel ID the session's bound thread resolves to.
func (s *Slack) SendPrompt(ctx context.Context, sessionID string, p model.Prompt) (string, error) {
	text := fmt.Sprintf("[%s] %s\n\n%s", p.Kind, p.Excerpt, replyHint(p.Kind))
	if err := s.send(ctx, sessionID, text); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pending[sessionID] = pendingPrompt{sessionID: sessionID, promptID: p.ID, nonce: p.Nonce}
	s.mu.Unlock()

	return p.ID, nil
}

func (s *Slack) SendOutput(ctx context.Context, sessionID string, chunk []byte) error {
	return s.send(ctx, sessionID, string(chunk))
}

func (s *Slack) SendPlan(ctx context.Context, sessionID string, plan string) error {
	return s.send(ctx, sessionID, "plan:\n"+plan)
}

func (s *Slack) Notify(ctx context.Context, sessionID string, event string) error {
	return s.send(ctx, sessionID, event)
}

type slackEventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		User    string `json:"user"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		BotID   string `json:"bot_id"`
	} `json:"event"`
}

// WebhookHandler returns an http.Handler for Slack's Events API
// subscription URL: it answers the one-time URL-verification challenge,
// rejects requests whose signature doesn't match signingSecret, and
// turns "message" events into InboundMessage values attributed to the
// prompt most recently sent to that channel.
func (s *Slack) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if !s.verifySignature(r.Header, raw) {
			log.Warningf("slack: rejected webhook with invalid signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var env slackEventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if env.Type == "url_verification" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(env.Challenge))
			return
		}

		if env.Type == "event_callback" && env.Event.Type == "message" && env.Event.BotID == "" {
			s.mu.Lock()
			bound, ok := s.pending[env.Event.Channel]
			s.mu.Unlock()
			if ok {
				s.inbound <- InboundMessage{
					Identity:   env.Event.User,
					SessionID:  bound.sessionID,
					PromptID:   bound.promptID,
					Nonce:      bound.nonce,
					Body:       env.Event.Text,
					ReceivedAt: time.Now(),
				}
			} else {
				log.Debugf("slack: message in channel %s with no pending prompt, dropping", env.Event.Channel)
			}
		}

		w.WriteHeader(http.StatusOK)
	})
}

// verifySignature checks Slack's HMAC-SHA256 request signature
// (X-Slack-Signature over "v0:{timestamp}:{body}"). A missing
// signingSecret fails closed: nothing is accepted as genuine.
func (s *Slack) verifySignature(header http.Header, body []byte) bool {
	if s.signingSecret == "" {
		return false
	}
	ts := header.Get("X-Slack-Request-Timestamp")
	sig := header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.signingSecret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(sig)))
}
