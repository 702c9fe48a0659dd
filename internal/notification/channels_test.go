package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/segmentio/kafka-go"
	"gopkg.in/gomail.v2"
)

func TestChunkText(t *testing.T) {
	if got := ChunkText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text: %q", got)
	}

	text := strings.Repeat("line-of-text\n", 100) // 1300 runes
	chunks := ChunkText(text, 100)
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks must reassemble to the original text")
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
		if !strings.HasSuffix(c, "\n") {
			t.Errorf("chunk %d not split on a line boundary", i)
		}
	}

	long := strings.Repeat("가", 250)
	chunks = ChunkText(long, 100)
	if len(chunks) != 3 || strings.Join(chunks, "") != long {
		t.Fatalf("hard split: got %d chunks", len(chunks))
	}
}

func TestTelegram_SendChunks(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		texts = append(texts, body["text"].(string))
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramChannel("tg", "TOKEN", "42", srv.URL)
	body := strings.Repeat("0123456789\n", 500) // 5500 runes
	if err := tg.Send(context.Background(), Message{Subject: "digest", Body: body}); err != nil {
		t.Fatal(err)
	}
	if len(texts) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(texts))
	}
	if paths[0] != "/botTOKEN/sendMessage" {
		t.Errorf("path = %s", paths[0])
	}
	if !strings.HasPrefix(texts[0], "digest\n\n") {
		t.Errorf("first chunk should start with the subject: %q", texts[0][:20])
	}
}

func TestTelegram_RetryResumesAtFailedChunk(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		texts = append(texts, body["text"].(string))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramChannel("tg", "T", "1", srv.URL)
	body := strings.Repeat("0123456789\n", 1000) // 11000 runes, 3 chunks
	msg := Message{Bucket: "daily", Subject: "digest", Body: body}
	if n := len(ChunkText("digest\n\n"+body, TelegramChunkSize)); n != 3 {
		t.Fatalf("test body splits into %d chunks, want 3", n)
	}

	out := NewDispatcher(fastPolicy(3)).Send(context.Background(), msg, []Channel{tg})
	if !out.AnySucceeded() || out.Results[0].Attempts != 2 {
		t.Fatalf("expected success on the second attempt: %+v", out.Results[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 4 {
		t.Fatalf("POSTs = %d, want 4 (chunk 2 once more, no repeat of chunk 1)", calls)
	}
	if len(texts) != 3 || !strings.HasPrefix(texts[0], "digest\n\n") || strings.HasPrefix(texts[1], "digest") {
		t.Fatalf("each chunk should be delivered exactly once, in order: %d delivered", len(texts))
	}
	if strings.Join(texts, "") != "digest\n\n"+body {
		t.Fatal("delivered chunks must reassemble to the message")
	}

	// Progress is dropped once the message is through.
	calls = 0
	mu.Unlock()
	err := tg.Send(context.Background(), msg)
	mu.Lock()
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("a new send of the same message posts every chunk, got %d", calls)
	}
}

func TestTelegram_StatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tg := NewTelegramChannel("", "T", "1", srv.URL)
	err := tg.Send(context.Background(), Message{Subject: "s"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("429 must be a retryable error, got %v", err)
	}
	status = http.StatusBadRequest
	if err := tg.Send(context.Background(), Message{Subject: "s"}); !IsPermanent(err) {
		t.Fatalf("400 must be permanent, got %v", err)
	}
}

func TestWebhook_Payload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %s", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhookChannel("hook", srv.URL)
	msg := FromBatch(testBatch())
	if err := wh.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if got.Bucket != "US" || got.Level != "INFO" || len(got.Events) != 1 || got.Events[0].Symbol != "X" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhook_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookChannel("hook", srv.URL).Send(context.Background(), Message{})
	if err == nil || IsPermanent(err) {
		t.Fatalf("502 must be retryable, got %v", err)
	}
}

type fakeSender struct {
	err  error
	sent []*gomail.Message
}

func (f *fakeSender) SendMail(_ context.Context, m *gomail.Message) error {
	f.sent = append(f.sent, m)
	return f.err
}

func TestEmail_PlainAndHTML(t *testing.T) {
	fs := &fakeSender{}
	ch := &EmailChannel{name: "email", from: "radar@example.com", to: []string{"a@example.com", "b@example.com"}, sender: fs}

	msg := Message{Level: AlertInfo, Subject: "[KR] 3 signals", Body: "plain body", HTML: "<table><tr><td>X</td></tr></table>"}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(fs.sent) != 1 {
		t.Fatalf("sent %d messages", len(fs.sent))
	}
	var buf bytes.Buffer
	if _, err := fs.sent[0].WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.String()
	for _, want := range []string{"text/plain", "text/html", "plain body", "a@example.com", "b@example.com"} {
		if !strings.Contains(raw, want) {
			t.Errorf("mail missing %q", want)
		}
	}
	if got := fs.sent[0].GetHeader("Subject"); len(got) != 1 || got[0] != "[KR] 3 signals" {
		t.Errorf("subject = %v", got)
	}
}

func TestEmail_CriticalSubjectAndError(t *testing.T) {
	fs := &fakeSender{err: errors.New("535 auth failed")}
	ch := &EmailChannel{name: "email", from: "r@example.com", to: []string{"a@example.com"}, sender: fs}
	err := ch.Send(context.Background(), Message{Level: AlertCritical, Subject: "state corrupt"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fs.sent[0].GetHeader("Subject"); got[0] != "[CRITICAL] state corrupt" {
		t.Errorf("subject = %v", got)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafka_RecordsPerEvent(t *testing.T) {
	fw := &fakeWriter{}
	ch := &KafkaChannel{name: "kafka", topic: "t", writer: fw}

	if err := ch.Send(context.Background(), FromBatch(testBatch())); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("wrote %d records, want 1", len(fw.msgs))
	}
	rec := fw.msgs[0]
	if string(rec.Key) != "US:X" {
		t.Errorf("key = %s", rec.Key)
	}
	var v kafkaRecord
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		t.Fatal(err)
	}
	if v.Bucket != "US" || v.Event.Kind != "BREAKOUT" {
		t.Errorf("record = %+v", v)
	}

	fw.msgs = nil
	if err := ch.Send(context.Background(), Message{Level: AlertCritical, Subject: "alert"}); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 1 || string(fw.msgs[0].Key) != "CRITICAL" {
		t.Errorf("alert record = %+v", fw.msgs)
	}
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel("")
	if ch.Name() != "log" {
		t.Errorf("name = %s", ch.Name())
	}
	if err := ch.Send(context.Background(), Message{Subject: "s"}); err != nil {
		t.Fatal(err)
	}
}
