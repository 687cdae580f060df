package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// recordingSender captures outbound Twilio sends.
type recordingSender struct {
	to   []string
	body []string
}

func (s *recordingSender) SendMessage(ctx context.Context, to string, body string) error {
	s.to = append(s.to, to)
	s.body = append(s.body, body)
	return nil
}

func postWebhook(t *testing.T, svc *TwilioService, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	return rec
}

func TestWebhookHandlerEmitsEvent(t *testing.T) {
	svc := NewTwilioService(&recordingSender{})

	form := url.Values{
		"From":        {"whatsapp:+5215551234567"},
		"Body":        {"hola"},
		"MessageSid":  {"SM123"},
		"ProfileName": {"Ana"},
	}
	rec := postWebhook(t, svc, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case event := <-svc.Events():
		if event.SenderID != "5215551234567" {
			t.Errorf("expected whatsapp: prefix stripped, got %q", event.SenderID)
		}
		if event.Text != "hola" || event.ExternalMessageID != "SM123" || event.DisplayName != "Ana" {
			t.Errorf("unexpected event: %+v", event)
		}
		if event.TimestampEpochSec == 0 {
			t.Error("expected timestamp set")
		}
	default:
		t.Fatal("expected an event on the channel")
	}
}

func TestWebhookHandlerRejectsIncompleteForm(t *testing.T) {
	svc := NewTwilioService(&recordingSender{})

	tests := []struct {
		name string
		form url.Values
	}{
		{"missing from", url.Values{"Body": {"hola"}, "MessageSid": {"SM1"}}},
		{"missing body", url.Values{"From": {"whatsapp:+5215551234567"}, "MessageSid": {"SM1"}}},
		{"missing sid", url.Values{"From": {"whatsapp:+5215551234567"}, "Body": {"hola"}}},
		{"sender without digits", url.Values{"From": {"whatsapp:abc"}, "Body": {"hola"}, "MessageSid": {"SM1"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(t, svc, tc.form)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
	select {
	case event := <-svc.Events():
		t.Fatalf("expected no events, got %+v", event)
	default:
	}
}

func TestSendMessageCanonicalizesRecipient(t *testing.T) {
	sender := &recordingSender{}
	svc := NewTwilioService(sender)

	if err := svc.SendMessage(context.Background(), "whatsapp:+52 1 555 123 4567", "hola"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(sender.to) != 1 || sender.to[0] != "5215551234567" {
		t.Errorf("expected canonicalized recipient, got %v", sender.to)
	}
}

func TestStoppedServiceRefusesSends(t *testing.T) {
	svc := NewTwilioService(&recordingSender{})
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "5215551234567", "hola"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
