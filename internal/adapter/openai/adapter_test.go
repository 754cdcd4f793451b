package openai

import (
	"context"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/pkg/unified"
)

func TestConnectRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	a := New()
	if _, err := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestConnectEmitsSessionInit(t *testing.T) {
	a := New()
	sess, err := a.Connect(context.Background(), adapter.ConnectOptions{
		SessionID: "s1",
		Model:     "gpt-5-mini",
		Env:       map[string]string{"OPENAI_API_KEY": "sk-test"},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	select {
	case msg := <-sess.Messages():
		if msg.Type != unified.TypeSessionInit {
			t.Fatalf("type = %s", msg.Type)
		}
		if got := msg.MetaString("model"); got != "gpt-5-mini" {
			t.Errorf("model = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session_init")
	}
}

func TestDefaultModel(t *testing.T) {
	a := New()
	sess, err := a.Connect(context.Background(), adapter.ConnectOptions{
		SessionID: "s1",
		Env:       map[string]string{"OPENAI_API_KEY": "sk-test"},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	msg := <-sess.Messages()
	if got := msg.MetaString("model"); got != defaultModel {
		t.Errorf("model = %q, want %q", got, defaultModel)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a := New()
	sess, err := a.Connect(context.Background(), adapter.ConnectOptions{
		SessionID: "s1",
		Env:       map[string]string{"OPENAI_API_KEY": "sk-test"},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = sess.Close()
	if err := sess.Send(unified.NewUserText("late")); err == nil {
		t.Fatal("expected error after close")
	}
}
