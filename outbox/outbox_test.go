package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	sql  string
	args []any
	err  error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func TestEnqueue_MarshalsPayload(t *testing.T) {
	ex := &recordingExecer{}
	payload := map[string]any{"offer_id": "o-1", "status": "accepted"}

	if err := Enqueue(context.Background(), ex, TopicOfferAccepted, "o-1", payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(ex.args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(ex.args))
	}
	if ex.args[0] != TopicOfferAccepted || ex.args[1] != "o-1" {
		t.Fatalf("unexpected topic/key args: %v", ex.args[:2])
	}
	var decoded map[string]any
	if err := json.Unmarshal(ex.args[2].([]byte), &decoded); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if decoded["status"] != "accepted" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestEnqueue_RejectsEmptyTopic(t *testing.T) {
	ex := &recordingExecer{}
	if err := Enqueue(context.Background(), ex, "", "k", nil); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected errEmptyTopic, got %v", err)
	}
	if ex.sql != "" {
		t.Fatalf("expected no statement to run")
	}
}

func TestEnqueue_WrapsExecError(t *testing.T) {
	boom := errors.New("boom")
	ex := &recordingExecer{err: boom}
	if err := Enqueue(context.Background(), ex, TopicOfferCreated, "k", struct{}{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
}

func TestToKafka_KeysAndHeaders(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := toKafka([]Message{{
		ID:           42,
		Topic:        TopicPayoutCompleted,
		AggregateKey: "contract-7",
		Payload:      json.RawMessage(`{"payout_id":"p-1"}`),
		CreatedAt:    created,
	}})

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if string(m.Key) != "contract-7" {
		t.Fatalf("unexpected key %q", m.Key)
	}
	if !m.Time.Equal(created) {
		t.Fatalf("unexpected time %v", m.Time)
	}
	headers := map[string]string{}
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] != TopicPayoutCompleted || headers["outbox_id"] != "42" {
		t.Fatalf("unexpected headers %v", headers)
	}
}
