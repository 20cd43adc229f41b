package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/MediBot/internal/models"
)

type mockTwilioClient struct {
	to, body string
}

func (m *mockTwilioClient) SendMessage(_ context.Context, to, body string) (string, error) {
	m.to, m.body = to, body
	return "SM123", nil
}

type staticValidator bool

func (v staticValidator) ValidateWebhook(string, map[string]string, string) bool { return bool(v) }

func postForm(h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_SendRequiresStart(t *testing.T) {
	client := &mockTwilioClient{}
	svc := NewTwilioService(client)

	if _, err := svc.SendMessage(context.Background(), "+15551234567", "hi"); !errors.Is(err, ErrTransportNotReady) {
		t.Fatalf("expected ErrTransportNotReady, got %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id, err := svc.SendMessage(context.Background(), "whatsapp:+15551234567", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "SM123" || client.to != "+15551234567" {
		t.Errorf("unexpected send id=%q to=%q", id, client.to)
	}
	if err := svc.SendTypingIndicator(context.Background(), "+15551234567", true); err != nil {
		t.Errorf("typing should be a no-op, got %v", err)
	}
}

func TestTwilioService_WebhookEmitsEvent(t *testing.T) {
	svc := NewTwilioService(&mockTwilioClient{})
	rec := postForm(svc.WebhookHandler, url.Values{
		"MessageSid":  {"SM999"},
		"From":        {"whatsapp:+15551234567"},
		"Body":        {"hi medi"},
		"ProfileName": {"Winston"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	select {
	case ev := <-svc.Events():
		if ev.ID != "SM999" || ev.ConversationID != "+15551234567" || ev.Body != "hi medi" || ev.SenderName != "Winston" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Channel != models.ChannelMessage || ev.FromMe {
			t.Errorf("unexpected channel %s fromMe=%v", ev.Channel, ev.FromMe)
		}
	default:
		t.Fatal("expected an inbound event")
	}
}

func TestTwilioService_WebhookStatusCallback(t *testing.T) {
	svc := NewTwilioService(&mockTwilioClient{})
	rec := postForm(svc.WebhookHandler, url.Values{
		"MessageSid":    {"SM123"},
		"MessageStatus": {"delivered"},
		"To":            {"whatsapp:+15551234567"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	select {
	case r := <-svc.Receipts():
		if r.MessageID != "SM123" || r.Status != models.MessageStatusDelivered || r.To != "+15551234567" {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a receipt")
	}
}

func TestTwilioService_WebhookRejections(t *testing.T) {
	svc := NewTwilioService(&mockTwilioClient{})
	if rec := postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+1"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}

	signed := NewTwilioService(&mockTwilioClient{}, WithWebhookValidation(staticValidator(false), "https://example.com/twilio/webhook"))
	rec := postForm(signed.WebhookHandler, url.Values{"From": {"whatsapp:+1"}, "Body": {"hi medi"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", rec.Code)
	}

	_ = svc.Stop()
	rec = postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+1"}, "Body": {"hi medi"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}
