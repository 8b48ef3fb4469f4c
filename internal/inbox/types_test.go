package inbox

import (
	"encoding/json"
	"testing"
)

func TestParseSender(t *testing.T) {
	for _, s := range []Sender{SenderUser, SenderAI, SenderOperator, SenderSystem} {
		got, err := ParseSender(s.String())
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if got != s {
			t.Fatalf("expected %s, got %s", s, got)
		}
	}
	if _, err := ParseSender("BOT"); err == nil {
		t.Fatalf("expected unknown sender to fail")
	}
}

func TestSenderJSON(t *testing.T) {
	raw, err := json.Marshal(Message{Sender: SenderOperator, Content: "oi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["sender"] != "OPERATOR" {
		t.Fatalf("expected OPERATOR label, got %v", decoded["sender"])
	}
	if _, err := json.Marshal(Message{}); err == nil {
		t.Fatalf("expected zero sender to fail marshalling")
	}
}

func TestJoinFragments(t *testing.T) {
	tests := []struct{ buffer, text, want string }{
		{"", "oi", "oi"},
		{"oi", "tudo bem?", "oi tudo bem?"},
		{"  oi ", " quero agendar ", "oi quero agendar"},
		{"a b", "", "a b"},
	}
	for _, tt := range tests {
		if got := JoinFragments(tt.buffer, tt.text); got != tt.want {
			t.Fatalf("JoinFragments(%q, %q) = %q, want %q", tt.buffer, tt.text, got, tt.want)
		}
	}
}
