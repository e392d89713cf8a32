package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"medconsult/pkg/ai"
	"medconsult/pkg/domain"
)

const chatSystemPrompt = `You are a medical triage assistant talking to a patient before a doctor reviews the case.
Ask one short question at a time about symptoms, onset, duration, severity and relevant history.
Do not give a definitive diagnosis and do not prescribe medication. Reply in the patient's language.`

const extractSystemPrompt = `You summarise a finished triage conversation for a doctor.
Return only a JSON object with this shape:
{"summary": "...", "symptoms": ["..."], "conditions": [{"condition": "...", "confidence": 0}]}
confidence is an integer from 0 to 100. List conditions from most to least likely.`

const improveNoteSystemPrompt = `You rewrite a doctor's review note for the patient.
Keep every medical fact of the note, fix spelling and grammar, and make it clear and polite.
Return only the rewritten note.`

// LLMGateway runs the inference operations directly against a chat model.
type LLMGateway struct {
	model ai.ChatModel
}

func NewLLMGateway(model ai.ChatModel) *LLMGateway {
	return &LLMGateway{model: model}
}

func (g *LLMGateway) Chat(ctx context.Context, transcript []domain.Turn) (string, error) {
	messages := append([]ai.Message{{Role: ai.RoleSystem, Content: chatSystemPrompt}}, toMessages(transcript)...)
	return g.model.Complete(ctx, messages)
}

func (g *LLMGateway) Extract(ctx context.Context, transcript []domain.Turn) (domain.Extraction, error) {
	raw, err := ai.GenerateText(ctx, g.model, extractSystemPrompt, renderTranscript(transcript))
	if err != nil {
		return domain.Extraction{}, err
	}
	return parseExtraction(raw)
}

func (g *LLMGateway) ImproveNote(ctx context.Context, target domain.ConsultationState, note string, transcript []domain.Turn) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Review outcome: %s\n\nConversation:\n%s\n\nDoctor note:\n%s", target, renderTranscript(transcript), note)
	improved, err := ai.GenerateText(ctx, g.model, improveNoteSystemPrompt, b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(improved), nil
}

// toMessages maps transcript roles onto chat-model roles. Doctor turns are
// spoken to the patient, so the model sees them as assistant turns.
func toMessages(transcript []domain.Turn) []ai.Message {
	out := make([]ai.Message, 0, len(transcript))
	for _, t := range transcript {
		role := ai.RoleSystem
		switch t.Role {
		case domain.RoleUser:
			role = ai.RoleUser
		case domain.RoleAssistant, domain.RoleDoctorMsg:
			role = ai.RoleAssistant
		}
		out = append(out, ai.Message{Role: role, Content: t.Content})
	}
	return out
}

func renderTranscript(transcript []domain.Turn) string {
	var b strings.Builder
	for _, t := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseExtraction decodes the first JSON object in raw, tolerating code
// fences and prose around it.
func parseExtraction(raw string) (domain.Extraction, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return domain.Extraction{}, fmt.Errorf("extraction: no json object in model output")
	}
	var out domain.Extraction
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return domain.Extraction{}, fmt.Errorf("extraction: %w", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	symptoms := out.Symptoms[:0]
	for _, s := range out.Symptoms {
		if s = strings.TrimSpace(s); s != "" {
			symptoms = append(symptoms, s)
		}
	}
	out.Symptoms = symptoms
	conditions := out.Conditions[:0]
	for _, c := range out.Conditions {
		c.Condition = strings.TrimSpace(c.Condition)
		if c.Condition == "" {
			continue
		}
		c.Confidence = min(max(c.Confidence, 0), 100)
		conditions = append(conditions, c)
	}
	out.Conditions = conditions
	return out, nil
}
