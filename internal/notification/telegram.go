package notification

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// TelegramChunkSize keeps every message under the Bot API's 4096 limit.
const TelegramChunkSize = 3900

// partialTTL is how long delivered-chunk progress is remembered for a retry.
const partialTTL = time.Hour

// TelegramChannel sends digests via the Telegram Bot API.
type TelegramChannel struct {
	name     string
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client

	mu      sync.Mutex
	partial map[string]partialSend // message key -> chunks already delivered
}

type partialSend struct {
	done int
	at   time.Time
}

// NewTelegramChannel creates a Telegram channel.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
// apiBase: empty for https://api.telegram.org
func NewTelegramChannel(name, botToken, chatID, apiBase string) *TelegramChannel {
	if name == "" {
		name = "telegram"
	}
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &TelegramChannel{
		name:     name,
		botToken: botToken,
		chatID:   chatID,
		apiBase:  strings.TrimRight(apiBase, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		partial: make(map[string]partialSend),
	}
}

func (t *TelegramChannel) Name() string { return t.name }

// Send posts the message as plain text, split into consecutive chunks when it
// exceeds TelegramChunkSize. When a chunk fails, the chunks before it are
// remembered and a retry of the same message resumes at the failed one.
func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	prefix := ""
	switch msg.Level {
	case AlertWarning:
		prefix = "⚠️ "
	case AlertCritical:
		prefix = "🚨 "
	}
	text := prefix + msg.Subject
	if msg.Body != "" {
		text += "\n\n" + msg.Body
	}

	chunks := ChunkText(text, TelegramChunkSize)
	key := messageKey(msg.Bucket, text)
	start := t.resumeAt(key)
	if start > 0 {
		slog.InfoContext(ctx, "[telegram] resuming message", "subject", msg.Subject, "from_chunk", start+1, "chunks", len(chunks))
	}
	for i := start; i < len(chunks); i++ {
		if err := t.post(ctx, chunks[i]); err != nil {
			t.remember(key, i)
			return fmt.Errorf("telegram: chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	t.forget(key)
	slog.DebugContext(ctx, "[telegram] sent message", "subject", msg.Subject, "chunks", len(chunks))
	return nil
}

func messageKey(bucket, text string) string {
	sum := sha256.Sum256([]byte(bucket + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (t *TelegramChannel) resumeAt(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partial[key]
	if !ok || time.Since(p.at) > partialTTL {
		delete(t.partial, key)
		return 0
	}
	return p.done
}

func (t *TelegramChannel) remember(key string, done int) {
	if done == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, p := range t.partial {
		if time.Since(p.at) > partialTTL {
			delete(t.partial, k)
		}
	}
	t.partial[key] = partialSend{done: done, at: time.Now()}
}

func (t *TelegramChannel) forget(key string) {
	t.mu.Lock()
	delete(t.partial, key)
	t.mu.Unlock()
}

func (t *TelegramChannel) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return &PermanentError{Channel: t.name, Err: err}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Channel: t.name, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(t.name, resp.StatusCode)
	}
	return nil
}

// ChunkText splits text into pieces of at most limit runes, preferring line
// boundaries. Lines longer than limit are hard-split.
func ChunkText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n <= limit {
			cur.WriteString(line)
			curLen += n
			continue
		}
		flush()
		for n > limit {
			runes := []rune(line)
			chunks = append(chunks, string(runes[:limit]))
			line = string(runes[limit:])
			n -= limit
		}
		cur.WriteString(line)
		curLen = n
	}
	flush()
	return chunks
}
