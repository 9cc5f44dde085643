package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devblac/mint-watch/internal/config"
)

func mintPayload() EventPayload {
	return EventPayload{
		AlertID:  "a1",
		SignalID: "src:mint:0xabc:3",
		Kind:     "mint",
		SourceID: "src",
		Height:   100,
		Contract: "0x000000000000000000000000000000000000beef",
		TokenID:  "5",
		To:       "0x1111111111111111111111111111111111111111",
		TxHash:   "0x1234567890abcdef",
		LogIndex: 3,
	}
}

func TestSlackSenderRendersTemplate(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "ALERT {{.AlertID}} {{.Kind}} {{short_addr .TxHash}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	if err := sender.Send(context.Background(), mintPayload()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !strings.Contains(got, "ALERT a1 mint 0x1234") {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestDefaultTemplate(t *testing.T) {
	tmpl, err := parseTemplate("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	out, err := executeTemplate(tmpl, mintPayload())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(out, "mint 0x000000000000000000000000000000000000beef #5 -> 0x1111") {
		t.Fatalf("unexpected mint text: %s", out)
	}

	deploy := EventPayload{Kind: "deployment", Contract: "0xabcd", Height: 7, SourceID: "src", TxHash: "0xdef"}
	out, err = executeTemplate(tmpl, deploy)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(out, "erc721 deployed 0xabcd @ 7") {
		t.Fatalf("unexpected deployment text: %s", out)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	err = sender.Send(context.Background(), EventPayload{AlertID: "r"})
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 status error, got %v", err)
	}
}

func TestWebhookCarriesEvent(t *testing.T) {
	var body struct {
		Text  string       `json:"text"`
		Event EventPayload `json:"event"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, "put", "", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if err := sender.Send(context.Background(), mintPayload()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if body.Event.TokenID != "5" || body.Event.LogIndex != 3 {
		t.Fatalf("event not forwarded: %+v", body.Event)
	}
}

func TestInvalidTemplate(t *testing.T) {
	if _, err := NewSlackSender("http://hook", "{{.Missing"); err == nil {
		t.Fatalf("expected template parse error")
	}
}

func TestNewBuildsEveryType(t *testing.T) {
	ctx := context.Background()
	cfgs := []config.Sink{
		{ID: "s", Type: "slack", WebhookURL: "http://hook"},
		{ID: "t", Type: "teams", WebhookURL: "http://hook"},
		{ID: "w", Type: "webhook", URL: "http://hook"},
		{ID: "k", Type: "kafka", Brokers: []string{"localhost:9092"}, Topic: "mints"},
		{ID: "p", Type: "postgres", DSN: "postgres://u:p@localhost:5432/db", Table: "signals"},
	}
	senders, err := BuildAll(ctx, cfgs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer CloseAll(senders)
	if len(senders) != len(cfgs) {
		t.Fatalf("expected %d senders, got %d", len(cfgs), len(senders))
	}

	if _, err := New(ctx, config.Sink{ID: "x", Type: "pager"}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}
