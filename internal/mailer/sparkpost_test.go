package mailer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ignite/campaign-engine/internal/domain"
)

func TestSparkPostSend(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transmissions" {
			t.Errorf("path = %s, want /api/v1/transmissions", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotPayload)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":{"id":"tx-123"}}`))
	}))
	defer srv.Close()

	sp := NewSparkPost("test-key", srv.URL, "news@mail.example.com", "Example News")
	res, err := sp.Send(context.Background(), domain.EmailMessage{
		CampaignID: "camp-1",
		To:         "alice@example.com",
		ToName:     "Alice",
		Subject:    "Hi Alice",
		HTMLBody:   "<p>Hello</p>",
		CTAURL:     "https://example.com/offer",
		CTALabel:   "See offer",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !res.Success || res.MessageID != "tx-123" {
		t.Errorf("result = %+v, want success with tx-123", res)
	}
	if gotAuth != "test-key" {
		t.Errorf("Authorization = %q, want test-key", gotAuth)
	}

	content := gotPayload["content"].(map[string]interface{})
	html := content["html"].(string)
	if !strings.Contains(html, "https://example.com/offer") || !strings.Contains(html, "See offer") {
		t.Errorf("html missing CTA button: %s", html)
	}
	if content["subject"] != "Hi Alice" {
		t.Errorf("subject = %v", content["subject"])
	}
	recipients := gotPayload["recipients"].([]interface{})
	addr := recipients[0].(map[string]interface{})["address"].(map[string]interface{})
	if addr["email"] != "alice@example.com" {
		t.Errorf("recipient = %v", addr)
	}
}

func TestSparkPostSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":[{"message":"throttled"}]}`))
	}))
	defer srv.Close()

	sp := NewSparkPost("test-key", srv.URL, "news@mail.example.com", "")
	_, err := sp.Send(context.Background(), domain.EmailMessage{To: "a@x.test", Subject: "hi"})
	if err == nil {
		t.Fatal("Send() should fail on 4xx")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "throttled") {
		t.Errorf("error = %v, want status and body detail", err)
	}
}

func TestSparkPostSendUnparsableSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not-json{{`))
	}))
	defer srv.Close()

	sp := NewSparkPost("test-key", srv.URL, "news@mail.example.com", "")
	_, err := sp.Send(context.Background(), domain.EmailMessage{To: "a@x.test", Subject: "hi"})
	if err == nil {
		t.Fatal("Send() should fail when the accepted response cannot be parsed")
	}
	if !strings.Contains(err.Error(), "decode") {
		t.Errorf("error = %v, want decode failure", err)
	}
}

func TestDrySendAlwaysSucceeds(t *testing.T) {
	res, err := Dry{}.Send(context.Background(), domain.EmailMessage{To: "a@x.test"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !res.Success || !strings.HasPrefix(res.MessageID, "dry-") {
		t.Errorf("result = %+v", res)
	}
}
