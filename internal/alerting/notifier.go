package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Severity 对应告警级别。
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Notification 封装告警上下文。
type Notification struct {
	Title         string
	Body          string
	Severity      Severity
	BroadcastWide bool
	Source        string
	Timestamp     time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken         string
	chatID           string
	baseURL          string
	broadcastMention string
	client           *http.Client
	logger           zerolog.Logger
}

// TelegramOptions parameterise the Telegram notifier.
type TelegramOptions struct {
	BotToken         string
	ChatID           string
	APIBase          string
	BroadcastMention string
	Timeout          time.Duration
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := opts.APIBase
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken:         opts.BotToken,
		chatID:           opts.ChatID,
		baseURL:          strings.TrimRight(baseURL, "/"),
		broadcastMention: opts.BroadcastMention,
		client:           &http.Client{Timeout: timeout},
		logger:           logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	text := renderMessage(note)
	if note.BroadcastWide && n.broadcastMention != "" {
		text = n.broadcastMention + "\n" + text
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("source", note.Source).
		Str("severity", string(note.Severity)).
		Bool("broadcast", note.BroadcastWide).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", strings.ToUpper(string(note.Severity)), note.Title))
	if !note.Timestamp.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339)))
	}
	body := note.Body
	if body == "" {
		body = "No more description"
	}
	builder.WriteString(body)
	return builder.String()
}

// Multi fans a notification out to every configured channel.
type Multi struct {
	channels []Notifier
	logger   zerolog.Logger
}

// NewMulti constructs a fan-out notifier over channels.
func NewMulti(logger zerolog.Logger, channels ...Notifier) *Multi {
	return &Multi{
		channels: channels,
		logger:   logger.With().Str("component", "alert_multi").Logger(),
	}
}

// Notify delivers to all channels. A notification counts as delivered once any
// channel accepts it; the error is returned only when every channel failed.
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	delivered := 0
	for i, n := range m.channels {
		if err := n.Notify(ctx, note); err != nil {
			m.logger.Warn().Err(err).Int("channel", i).Str("source", note.Source).Msg("告警渠道发送失败")
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the rendered notification.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().Str("source", note.Source).
		Str("severity", string(note.Severity)).
		Bool("broadcast", note.BroadcastWide).
		Msg(renderMessage(note))
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Multi)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
