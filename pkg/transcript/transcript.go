// Package transcript rebuilds the role-tagged conversation of a
// consultation for inference calls.
package transcript

import (
	"sort"

	"medconsult/pkg/domain"
)

// Build returns the transcript for the stored messages followed by the
// optional pending message. Messages are ordered by creation time with the
// id as tiebreak; the input slice is not modified.
func Build(messages []domain.ChatMessage, pending *domain.ChatMessage) []domain.Turn {
	ordered := Ordered(messages)
	n := len(ordered)
	if pending != nil {
		n++
	}
	turns := make([]domain.Turn, 0, n)
	for _, msg := range ordered {
		turns = append(turns, domain.Turn{Role: msg.Sender.Role(), Content: msg.Content})
	}
	if pending != nil {
		turns = append(turns, domain.Turn{Role: pending.Sender.Role(), Content: pending.Content})
	}
	return turns
}

// Ordered returns a copy of messages sorted by (CreatedAt, ID).
func Ordered(messages []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(messages))
	copy(out, messages)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
