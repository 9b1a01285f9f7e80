package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{name: "valid", msg: Message{SenderID: "a", RecipientID: "b"}},
		{name: "missing sender", msg: Message{RecipientID: "b"}, wantErr: "sender"},
		{name: "blank recipient", msg: Message{SenderID: "a", RecipientID: "  "}, wantErr: "recipient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestMessageJSONFieldNames(t *testing.T) {
	msg := Message{
		ID:          "m1",
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "hi",
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	raw := string(data)
	for _, field := range []string{`"senderId":"alice"`, `"recipientId":"bob"`, `"createdAt":"2024-01-02T03:04:05Z"`} {
		if !strings.Contains(raw, field) {
			t.Fatalf("expected %s in %s", field, raw)
		}
	}
	if strings.Contains(raw, "status") {
		t.Fatalf("empty status should be omitted: %s", raw)
	}
}
