package domain

import (
	"fmt"
	"strings"
)

// SenderKind identifies who authored a chat message.
type SenderKind uint8

const (
	SenderSystem SenderKind = iota
	SenderPatient
	SenderAssistant
	SenderDoctor
)

// Role is a transcript role as understood by the inference service.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDoctorMsg Role = "doctor"
)

// Turn is one role-tagged transcript entry.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role maps a sender kind to its transcript role. Unknown kinds map to system.
func (k SenderKind) Role() Role {
	switch k {
	case SenderPatient:
		return RoleUser
	case SenderAssistant:
		return RoleAssistant
	case SenderDoctor:
		return RoleDoctorMsg
	case SenderSystem:
		return RoleSystem
	default:
		return RoleSystem
	}
}

func (k SenderKind) String() string {
	switch k {
	case SenderSystem:
		return "SYSTEM"
	case SenderPatient:
		return "PATIENT"
	case SenderAssistant:
		return "ASSISTANT"
	case SenderDoctor:
		return "DOCTOR"
	default:
		return fmt.Sprintf("SenderKind(%d)", uint8(k))
	}
}

// ParseSenderKind is the inverse of String. The legacy "USER" spelling is
// accepted for patient messages.
func ParseSenderKind(raw string) (SenderKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SYSTEM":
		return SenderSystem, true
	case "PATIENT", "USER":
		return SenderPatient, true
	case "ASSISTANT":
		return SenderAssistant, true
	case "DOCTOR":
		return SenderDoctor, true
	}
	return SenderSystem, false
}

func (k SenderKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SenderKind) UnmarshalText(text []byte) error {
	parsed, ok := ParseSenderKind(string(text))
	if !ok {
		return fmt.Errorf("unknown sender kind %q", string(text))
	}
	*k = parsed
	return nil
}
