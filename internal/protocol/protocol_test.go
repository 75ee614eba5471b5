package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeRoomCode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   bool
	}{
		{name: "already normalized", input: "AB12CD", want: "AB12CD"},
		{name: "lowercased", input: "ab12cd", want: "AB12CD"},
		{name: "surrounding whitespace", input: "  xy9z8q\n", want: "XY9Z8Q"},
		{name: "too short", input: "AB12", err: true},
		{name: "too long", input: "AB12CD3", err: true},
		{name: "empty", input: "", err: true},
		{name: "punctuation", input: "AB-2CD", err: true},
		{name: "non-ascii", input: "ÁB12CD", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRoomCode(tt.input)
			if tt.err {
				if !errors.Is(err, ErrInvalidRoomCode) {
					t.Fatalf("NormalizeRoomCode(%q) err = %v, want ErrInvalidRoomCode", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeRoomCode(%q) err = %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeRoomCode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateNickname(t *testing.T) {
	if err := ValidateNickname(""); !errors.Is(err, ErrInvalidNickname) {
		t.Fatalf("empty nickname err = %v, want ErrInvalidNickname", err)
	}
	if err := ValidateNickname(strings.Repeat("a", 21)); !errors.Is(err, ErrInvalidNickname) {
		t.Fatalf("21-char nickname err = %v, want ErrInvalidNickname", err)
	}
	if err := ValidateNickname(strings.Repeat("á", 20)); err != nil {
		t.Fatalf("20-rune nickname err = %v, want nil (rune count, not bytes)", err)
	}
	if err := ValidateNickname("Ana"); err != nil {
		t.Fatalf("ValidateNickname(Ana) = %v", err)
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	msg := NewJoinGame("Ana", "AB12CD")
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	// Field names are part of the external contract.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["type"]) != `"join_game"` {
		t.Fatalf("type = %s, want join_game", raw["type"])
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	var p JoinGamePayload
	if err := DecodePayload(decoded, &p); err != nil {
		t.Fatal(err)
	}
	if p.Nickname != "Ana" || p.RoomID != "AB12CD" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSnapshotWireNames(t *testing.T) {
	msg := NewUpdateGame(RoomSnapshot{
		RoomID: "AB12CD",
		Status: StatusWaiting,
		Players: []Player{
			{ID: "p1", Nickname: "Ana", Score: 1000},
		},
	})

	var raw struct {
		Payload map[string]json.RawMessage `json:"payload"`
	}
	data, _ := json.Marshal(msg)
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"roomId", "status", "players"} {
		if _, ok := raw.Payload[key]; !ok {
			t.Fatalf("snapshot payload missing %q: %s", key, data)
		}
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	msg := Message{Type: EventUpdateGame, Payload: json.RawMessage(`{"roomId":`)}
	var snap RoomSnapshot
	if err := DecodePayload(msg, &snap); err == nil {
		t.Fatal("expected decode error for truncated payload")
	}
}
