package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/whatsapp"
)

type recordingSender struct {
	texts  map[string]string // to -> body
	audios map[string]string // to -> path
	err    error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{texts: make(map[string]string), audios: make(map[string]string)}
}

func (r *recordingSender) SendMessage(ctx context.Context, to string, body string) error {
	if r.err != nil {
		return r.err
	}
	r.texts[to] = body
	return nil
}

func (r *recordingSender) SendAudio(ctx context.Context, to string, audioPath string) error {
	if r.err != nil {
		return r.err
	}
	r.audios[to] = audioPath
	return nil
}

func TestWhatsAppServiceSendText(t *testing.T) {
	sender := newRecordingSender()
	svc := NewWhatsAppService(sender)

	if err := svc.SendText(context.Background(), "+91 81234 56789", "Hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if sender.texts["918123456789"] != "Hello" {
		t.Errorf("recipient not canonicalized before send: %+v", sender.texts)
	}
}

func TestWhatsAppServiceSendTextValidation(t *testing.T) {
	svc := NewWhatsAppService(newRecordingSender())

	if err := svc.SendText(context.Background(), "not-a-number", "Hello"); err == nil {
		t.Error("expected error for invalid recipient")
	}
	if err := svc.SendText(context.Background(), "918123456789", ""); err == nil {
		t.Error("expected error for empty body")
	}
}

func TestWhatsAppServiceSendTemplateRendersPlainText(t *testing.T) {
	sender := newRecordingSender()
	svc := NewWhatsAppService(sender)

	params := map[string]string{"default_text": "Hi Priya, about your loan enquiry"}
	if err := svc.SendTemplate(context.Background(), "918123456789", "loan_offer", params); err != nil {
		t.Fatalf("SendTemplate failed: %v", err)
	}
	if sender.texts["918123456789"] != "Hi Priya, about your loan enquiry" {
		t.Errorf("template should be sent as its default_text: %+v", sender.texts)
	}

	if err := svc.SendTemplate(context.Background(), "918123456789", "", nil); !errors.Is(err, models.ErrEmptyTemplateName) {
		t.Errorf("expected ErrEmptyTemplateName, got %v", err)
	}
}

func TestWhatsAppServiceSendAudio(t *testing.T) {
	sender := newRecordingSender()
	svc := NewWhatsAppService(sender)

	if err := svc.SendAudio(context.Background(), "918123456789", "/tmp/reply.ogg"); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	if sender.audios["918123456789"] != "/tmp/reply.ogg" {
		t.Errorf("audio path not forwarded: %+v", sender.audios)
	}
}

func TestWhatsAppServicePropagatesSendErrors(t *testing.T) {
	sender := newRecordingSender()
	sender.err = errors.New("connection lost")
	svc := NewWhatsAppService(sender)

	if err := svc.SendText(context.Background(), "918123456789", "Hello"); err == nil {
		t.Error("expected send error to propagate")
	}
}

func TestWhatsAppServiceStartWithMockClient(t *testing.T) {
	// The mock client is not a *whatsapp.Client, so Start must skip event
	// handling instead of panicking.
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Inbound channel is closed by Stop.
	if _, ok := <-svc.Inbound(); ok {
		t.Error("inbound channel should be closed after Stop")
	}
}
