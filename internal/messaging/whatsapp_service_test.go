package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/MediBot/internal/models"
)

// mockWhatsAppClient implements whatsapp.WhatsAppSender for tests.
type mockWhatsAppClient struct {
	sent   []string
	typing []bool
	err    error
}

func (m *mockWhatsAppClient) SendMessage(_ context.Context, to, body string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, to+": "+body)
	return "3EB0ABC", nil
}

func (m *mockWhatsAppClient) SendTyping(_ context.Context, _ string, typing bool) error {
	m.typing = append(m.typing, typing)
	return nil
}

func textMessage(info types.MessageInfo, text string) *events.Message {
	return &events.Message{Info: info, Message: &waE2E.Message{Conversation: &text}}
}

func TestWhatsAppService_NotReadyUntilConnected(t *testing.T) {
	svc := NewWhatsAppService(&mockWhatsAppClient{})

	if _, err := svc.SendMessage(context.Background(), "123@s.whatsapp.net", "hello"); !errors.Is(err, ErrTransportNotReady) {
		t.Fatalf("expected ErrTransportNotReady, got %v", err)
	}

	svc.dispatch(&events.Connected{})
	if !svc.IsReady() {
		t.Fatal("expected ready after Connected")
	}
	id, err := svc.SendMessage(context.Background(), "123@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if id != "3EB0ABC" {
		t.Errorf("expected transport id, got %q", id)
	}

	select {
	case r := <-svc.Receipts():
		if r.MessageID != id || r.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a sent receipt")
	}

	svc.dispatch(&events.Disconnected{})
	if svc.IsReady() {
		t.Fatal("expected not ready after Disconnected")
	}
}

func TestWhatsAppService_SendErrorIsWrapped(t *testing.T) {
	svc := NewWhatsAppService(&mockWhatsAppClient{err: errors.New("websocket closed")})
	svc.dispatch(&events.Connected{})

	_, err := svc.SendMessage(context.Background(), "123@s.whatsapp.net", "hello")
	if !errors.Is(err, ErrTransportSendError) {
		t.Fatalf("expected ErrTransportSendError, got %v", err)
	}
}

func TestWhatsAppService_LoggedOutClearsReady(t *testing.T) {
	svc := NewWhatsAppService(&mockWhatsAppClient{})
	svc.dispatch(&events.Connected{})
	svc.dispatch(&events.LoggedOut{})
	if svc.IsReady() {
		t.Fatal("expected not ready after LoggedOut")
	}
}

func TestInboundFromWhatsApp(t *testing.T) {
	user := types.NewJID("15551234567", types.DefaultUserServer)
	ts := time.Date(2025, 11, 6, 12, 0, 0, 0, time.UTC)

	in, ok := InboundFromWhatsApp(textMessage(types.MessageInfo{
		MessageSource: types.MessageSource{Chat: user, Sender: user},
		ID:            "ABC123",
		PushName:      "Winston",
		Timestamp:     ts,
	}, "hi medi"))
	if !ok {
		t.Fatal("expected text message to convert")
	}
	if in.Channel != models.ChannelMessage || in.FromMe {
		t.Errorf("unexpected channel %s fromMe=%v", in.Channel, in.FromMe)
	}
	if in.ConversationID != "15551234567@s.whatsapp.net" || in.Body != "hi medi" || in.SenderName != "Winston" {
		t.Errorf("unexpected event %+v", in)
	}
	if in.StableID() != "ABC123" {
		t.Errorf("unexpected stable id %q", in.StableID())
	}

	self, ok := InboundFromWhatsApp(textMessage(types.MessageInfo{
		MessageSource: types.MessageSource{Chat: types.StatusBroadcastJID, Sender: user, IsFromMe: true},
		ID:            "DEF456",
	}, "hi medi"))
	if !ok {
		t.Fatal("expected status message to convert")
	}
	if self.Channel != models.ChannelMessageCreate || !self.FromMe || !self.IsStatus {
		t.Errorf("unexpected self event %+v", self)
	}

	group := types.NewJID("120363025246125486", types.GroupServer)
	g, _ := InboundFromWhatsApp(textMessage(types.MessageInfo{
		MessageSource: types.MessageSource{Chat: group, Sender: user, IsGroup: true},
		ID:            "GHI789",
	}, "hi medi"))
	if !g.IsGroup {
		t.Error("expected group flag")
	}

	if _, ok := InboundFromWhatsApp(&events.Message{Message: &waE2E.Message{}}); ok {
		t.Error("expected non-text message to be skipped")
	}
}

func TestWhatsAppService_DispatchForwardsMessages(t *testing.T) {
	svc := NewWhatsAppService(&mockWhatsAppClient{})
	user := types.NewJID("15551234567", types.DefaultUserServer)
	svc.dispatch(textMessage(types.MessageInfo{
		MessageSource: types.MessageSource{Chat: user, Sender: user},
		ID:            "ABC123",
	}, "hi medi"))

	select {
	case ev := <-svc.Events():
		if ev.ID != "ABC123" {
			t.Errorf("unexpected event id %q", ev.ID)
		}
	default:
		t.Fatal("expected forwarded event")
	}
}

func TestWhatsAppService_StopClosesChannels(t *testing.T) {
	svc := NewWhatsAppService(&mockWhatsAppClient{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Events(); ok {
		t.Error("expected events channel closed")
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	// Events after Stop are dropped rather than panicking on a closed channel.
	user := types.NewJID("1", types.DefaultUserServer)
	svc.dispatch(textMessage(types.MessageInfo{MessageSource: types.MessageSource{Chat: user, Sender: user}, ID: "late"}, "hi medi"))
}
