package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds sanitized chat content, in runes.
const MaxMessageLength = 10000

var (
	scriptBlockRegex = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	htmlTagRegex     = regexp.MustCompile(`<[^>]*>`)
)

// IsValidID reports whether id can identify a user, session or message.
func IsValidID(id int64) bool {
	return id > 0
}

// SanitizeContent removes script blocks and HTML tags and trims whitespace.
func SanitizeContent(content string) string {
	content = scriptBlockRegex.ReplaceAllString(content, "")
	content = htmlTagRegex.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// ValidateContent sanitizes content and checks it is non-empty and within
// MaxMessageLength. It returns the sanitized text.
func ValidateContent(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	clean := SanitizeContent(content)
	if clean == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(clean) > MaxMessageLength {
		return "", ErrContentTooLong
	}
	return clean, nil
}

// IsValidMessageKind accepts "text" and "system".
func IsValidMessageKind(kind string) bool {
	return kind == MessageKindText || kind == MessageKindSystem
}

// Validate checks identities and message kind and sanitizes Content in place.
// An empty MessageType defaults to "text".
func (r *CreateMessageRequest) Validate() error {
	if !IsValidID(r.SenderID) {
		return ErrInvalidSenderID
	}
	if !IsValidID(r.ReceiverID) {
		return ErrInvalidReceiverID
	}
	if r.SenderID == r.ReceiverID {
		return ErrSameSenderReceiver
	}
	if !IsValidID(r.SessionID) {
		return ErrInvalidSessionID
	}
	if r.MessageType == "" {
		r.MessageType = MessageKindText
	}
	if !IsValidMessageKind(r.MessageType) {
		return ErrInvalidMessageKind
	}
	clean, err := ValidateContent(r.Content)
	if err != nil {
		return err
	}
	r.Content = clean
	return nil
}

// IsValidSessionType accepts chat, audio and video.
func IsValidSessionType(t string) bool {
	switch t {
	case SessionTypeChat, SessionTypeAudio, SessionTypeVideo:
		return true
	default:
		return false
	}
}

// Validate checks a booking request.
func (r *CreateSessionRequest) Validate() error {
	if !IsValidID(r.UserID) || !IsValidID(r.AdvisorID) || r.UserID == r.AdvisorID {
		return ErrInvalidParticipants
	}
	if !IsValidSessionType(r.SessionType) {
		return ErrInvalidSessionType
	}
	if r.RatePerMinute < 0 {
		return ErrInvalidRate
	}
	if r.StartTime != nil && r.EndTime != nil && !r.EndTime.After(*r.StartTime) {
		return ErrInvalidScheduleWindow
	}
	return nil
}

var statusRank = map[string]int{
	SessionStatusCreated:    0,
	SessionStatusConnecting: 1,
	SessionStatusActive:     2,
	SessionStatusEnding:     3,
	SessionStatusCompleted:  4,
}

// IsValidSessionStatus reports whether status is a known call session state.
func IsValidSessionStatus(status string) bool {
	_, ok := statusRank[status]
	return ok
}

// CanTransition reports whether a session may move from one status to another.
// Staying put is allowed; moving backwards or leaving completed is not.
func CanTransition(from, to string) bool {
	f, ok := statusRank[from]
	if !ok {
		return false
	}
	t, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == SessionStatusCompleted {
		return to == SessionStatusCompleted
	}
	return t >= f
}

// IsTerminal reports whether status ends the session lifecycle.
func IsTerminal(status string) bool {
	return status == SessionStatusCompleted
}
