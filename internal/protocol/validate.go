package protocol

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// RoomCodeLength is the fixed length of a room code.
const RoomCodeLength = 6

// RoomCodeCharset holds the characters a room code may contain.
const RoomCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	ErrInvalidRoomCode = errors.New("room code must be 6 uppercase letters or digits")
	ErrInvalidNickname = errors.New("nickname must be between 1 and 20 characters")
)

// NormalizeRoomCode trims and uppercases a user-supplied room code and
// verifies the 6-character alphanumeric format. Clients normalize before
// every send; the server is the final authority on existence.
func NormalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != RoomCodeLength {
		return "", ErrInvalidRoomCode
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", ErrInvalidRoomCode
		}
	}
	return code, nil
}

// ValidateNickname checks the 1..20 character bound. Anything further is
// left to the server.
func ValidateNickname(nickname string) error {
	n := utf8.RuneCountInString(nickname)
	if n < 1 || n > 20 {
		return ErrInvalidNickname
	}
	return nil
}
