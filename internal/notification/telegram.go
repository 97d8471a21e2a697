package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	telegramAPIBase    = "https://api.telegram.org/bot"
	telegramSafeMaxLen = 4000 // under the 4096 char limit
)

// TelegramSender sends notifications via the Telegram Bot API. The bot
// token comes from the channel's bot_token key.
type TelegramSender struct {
	apiBase    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTelegramSender creates a Telegram notification sender.
func NewTelegramSender(logger *slog.Logger) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPIBase,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (s *TelegramSender) Type() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, ch Channel, msg *Message) error {
	chatID := ch.Config["chat_id"]
	if chatID == "" {
		return fmt.Errorf("telegram channel %q missing chat_id in config", ch.Name)
	}
	token := ch.Config["bot_token"]
	if token == "" {
		return fmt.Errorf("telegram channel %q missing bot_token in config", ch.Name)
	}

	text := escapeMarkdown(msg.Body)
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n\n%s", escapeMarkdown(msg.Subject), text)
	}

	chunks := splitMessage(text, telegramSafeMaxLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[Part %d/%d]\n%s", i+1, len(chunks), chunk)
		}
		if err := s.sendMessage(ctx, token, chatID, chunk); err != nil {
			return fmt.Errorf("sending telegram message (part %d/%d): %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *TelegramSender) sendMessage(ctx context.Context, token, chatID, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// splitMessage splits text at newline boundaries to stay within maxLen.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if text[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "[", "\\[", "`", "\\`")

// escapeMarkdown escapes special characters for Telegram Markdown v1.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
