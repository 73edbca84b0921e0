package wire

import (
	"encoding/json"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	env := NewTextMessage("m1", 42, 7, 0, 0, "hello")

	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Header.Type != TypeChatMessage {
		t.Errorf("type = %q, want chat_message", decoded.Header.Type)
	}
	if decoded.Header.MessageID != "m1" || decoded.Header.ChatID != 42 || decoded.Header.SenderID != 7 {
		t.Errorf("header = %+v", decoded.Header)
	}
	if decoded.BodyString("content") != "hello" || decoded.BodyString("message_type") != "text" {
		t.Errorf("body = %+v", decoded.Body)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"header":{"message_id":"x"}}`)); err == nil {
		t.Error("Decode should reject an envelope without a type tag")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Decode should reject malformed JSON")
	}
}

func TestBodyInt64Coercion(t *testing.T) {
	// Numbers arrive as float64 from encoding/json; ids sometimes as strings.
	raw := `{"header":{"type":"typing","message_id":"m"},"body":{"chat_id":42,"str_id":"17","flag":true}}`
	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := env.BodyInt64("chat_id"); got != 42 {
		t.Errorf("chat_id = %d, want 42", got)
	}
	if got := env.BodyInt64("str_id"); got != 17 {
		t.Errorf("str_id = %d, want 17", got)
	}
	if got := env.BodyInt64("missing"); got != 0 {
		t.Errorf("missing = %d, want 0", got)
	}
	if !env.BodyBool("flag") {
		t.Error("flag = false, want true")
	}
}

func TestPtsDefaults(t *testing.T) {
	env, err := Decode([]byte(`{"header":{"type":"chat_message","message_id":"m"},"body":{"pts":15}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Pts() != 15 {
		t.Errorf("pts = %d, want 15", env.Pts())
	}
	// Count defaults to one position when the server omits it.
	if env.PtsCount() != 1 {
		t.Errorf("pts_count = %d, want 1", env.PtsCount())
	}

	env, _ = Decode([]byte(`{"header":{"type":"chat_message","message_id":"m"},"body":{"pts":20,"pts_count":3}}`))
	if env.PtsCount() != 3 {
		t.Errorf("explicit pts_count = %d, want 3", env.PtsCount())
	}
}

func TestConstructorsGenerateMessageIDs(t *testing.T) {
	a := NewHeartbeat()
	b := NewHeartbeat()
	if a.Header.MessageID == "" || a.Header.MessageID == b.Header.MessageID {
		t.Errorf("heartbeat ids not unique: %q vs %q", a.Header.MessageID, b.Header.MessageID)
	}
	if a.Header.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestMediaMessageBody(t *testing.T) {
	env := NewMediaMessage("m2", 1, 2, "media", "https://cdn.example/x.jpg", "image/jpeg", "look")
	data, _ := env.Encode()

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatal(err)
	}
	body := generic["body"].(map[string]any)
	if body["media_url"] != "https://cdn.example/x.jpg" || body["media_type"] != "image/jpeg" {
		t.Errorf("media body = %+v", body)
	}
	if body["content"] != "look" {
		t.Errorf("caption = %v, want look", body["content"])
	}
}

func TestReadReceiptAndTyping(t *testing.T) {
	rr := NewReadReceipt("m9", 42, 7)
	if rr.Header.Type != TypeRead || rr.BodyString("read_message_id") != "m9" {
		t.Errorf("read receipt = %+v", rr)
	}

	ty := NewTypingIndicator(42, 7, true)
	if ty.Header.Type != TypeTyping || !ty.BodyBool("is_typing") || ty.BodyInt64("chat_id") != 42 {
		t.Errorf("typing = %+v", ty)
	}
}
