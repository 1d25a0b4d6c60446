package twiliowhatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"testing"
)

func TestMockClient_SendText(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendText(ctx, "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := mock.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", msgs[0].Body)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret")); err == nil {
		t.Error("expected error without sender number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}

func TestAddressHelpers(t *testing.T) {
	if got := WhatsAppAddress("+1555"); got != "whatsapp:+1555" {
		t.Errorf("WhatsAppAddress = %q", got)
	}
	if got := WhatsAppAddress("whatsapp:+1555"); got != "whatsapp:+1555" {
		t.Errorf("WhatsAppAddress must not double prefix, got %q", got)
	}
	if got := PhoneFromAddress("whatsapp:+1555"); got != "+1555" {
		t.Errorf("PhoneFromAddress = %q", got)
	}
}

func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := url
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateWebhook(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	url := "https://bot.example.com/webhooks/twilio"
	params := map[string]string{"From": "whatsapp:+15551234567", "Body": "hi", "MessageSid": "SM1"}

	if !c.ValidateWebhook(url, params, sign("secret", url, params)) {
		t.Error("expected valid signature to pass")
	}
	if c.ValidateWebhook(url, params, sign("other", url, params)) {
		t.Error("expected signature with wrong token to fail")
	}
}
