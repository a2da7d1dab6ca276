package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateContent checks that message content meets the content requirements.
// Every failure is an invalid_input error.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewError(CodeInvalidInput, "message content is empty", nil)
	}
	if len(text) > MaxMessageBytes {
		return NewError(CodeInvalidInput, fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes), nil)
	}
	if !utf8.ValidString(text) {
		return NewError(CodeInvalidInput, "message contains invalid UTF-8", nil)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return NewError(CodeInvalidInput, fmt.Sprintf("message exceeds %d character limit", MaxTextChars), nil)
	}
	return nil
}
