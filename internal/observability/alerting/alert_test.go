package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	xerrors "PayRelay/internal/errors"
	"PayRelay/pkg/logger"
)

type recordingNotifier struct {
	channel Channel
	mu      sync.Mutex
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	slack := &recordingNotifier{channel: ChannelSlack}
	ding := &recordingNotifier{channel: ChannelDingTalk, err: errors.New("robot offline")}
	d := NewFanout(slack, ding, nil, &LogNotifier{Logger: logger.Discard()})

	err := d.Notify(context.Background(), Event{Code: "CUSTODY_FAILURE", PaymentID: "p-1"})
	if err == nil || !strings.Contains(err.Error(), "dingtalk") {
		t.Fatalf("expected joined dingtalk error, got %v", err)
	}
	if len(slack.events) != 1 || len(ding.events) != 1 {
		t.Fatalf("expected delivery on every channel")
	}
}

func TestFromErrorCarriesMetadata(t *testing.T) {
	cause := xerrors.New(xerrors.CodeStorageFailure, "写入失败", xerrors.WithMetadata("table", "payments"))
	event := FromError("relay.persist", cause)
	if event.Code != xerrors.CodeStorageFailure || event.Stage != "relay.persist" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["table"] != "payments" || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("metadata not propagated: %+v", event)
	}
	if event.subject() != "-" {
		t.Fatalf("unexpected subject %q", event.subject())
	}
}

func TestNotifyHelperToleratesNilDispatcher(t *testing.T) {
	Notify(context.Background(), nil, Event{Code: "X"})

	rec := &recordingNotifier{channel: ChannelLog}
	Notify(context.Background(), NewFanout(rec), Event{Code: "X", GroupID: "g-1"})
	if len(rec.events) != 1 || rec.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected timestamped event, got %+v", rec.events)
	}
}

func TestWebhookNotifiers(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		payloads = append(payloads, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := Event{Code: "LEG_FAILURE", Severity: xerrors.SeverityCritical, Message: "compensation failed", GroupID: "g-9", Stage: "group.compensate"}
	ding := &DingTalkNotifier{Sender: &WebhookSender{URL: srv.URL}}
	slack := &SlackNotifier{Sender: &SlackWebhook{WebhookSender{URL: srv.URL}}, ChannelID: "#payments"}
	if err := ding.Notify(context.Background(), event); err != nil {
		t.Fatalf("dingtalk: %v", err)
	}
	if err := slack.Notify(context.Background(), event); err != nil {
		t.Fatalf("slack: %v", err)
	}

	if len(payloads) != 2 {
		t.Fatalf("expected 2 webhook calls, got %d", len(payloads))
	}
	if payloads[0]["msgtype"] != "text" || payloads[1]["channel"] != "#payments" {
		t.Fatalf("unexpected payloads %+v", payloads)
	}
	if text, _ := payloads[1]["text"].(string); !strings.Contains(text, "group g-9") {
		t.Fatalf("slack text missing subject: %q", text)
	}
}

func TestWebhookReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := &WebhookSender{URL: srv.URL}
	if err := sender.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}
