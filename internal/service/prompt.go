package service

import (
	"strings"

	"github.com/xxxsen/mpractice/internal/ai"
	"github.com/xxxsen/mpractice/internal/model"
)

const systemPrompt = `You are a study assistant helping a student practice. Answer the student's question accurately.
When reference material is provided, base the answer on it and say so when it does not cover the question.`

var stylePrompts = map[string]string{
	model.StylePresetNeutral:  "Answer in a clear, neutral tone.",
	model.StylePresetTutor:    "Explain step by step like a patient tutor and check understanding at the end.",
	model.StylePresetConcise:  "Keep the answer short and direct.",
	model.StylePresetSocratic: "Guide the student with questions instead of giving the final answer outright.",
}

func validStyle(preset string) bool {
	_, ok := stylePrompts[preset]
	return ok
}

// buildMessages lays out one model's prompt: system text with style and
// policy, few-shot pairs, then the question behind any retrieved context.
func buildMessages(settings model.SessionSettings, shots []model.FewShotExample, contextText, question string) []ai.Message {
	var sys strings.Builder
	sys.WriteString(systemPrompt)
	preset := settings.StylePreset
	if preset == "" {
		preset = model.StylePresetNeutral
	}
	if style, ok := stylePrompts[preset]; ok {
		sys.WriteString("\n\n")
		sys.WriteString(style)
	}
	var rules []string
	for _, r := range settings.PolicyRules {
		if r = strings.TrimSpace(r); r != "" {
			rules = append(rules, "- "+r)
		}
	}
	if len(rules) > 0 {
		sys.WriteString("\n\nFollow these rules:\n")
		sys.WriteString(strings.Join(rules, "\n"))
	}

	msgs := make([]ai.Message, 0, 2+2*len(shots))
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: sys.String()})
	for _, shot := range shots {
		msgs = append(msgs,
			ai.Message{Role: ai.RoleUser, Content: shot.Input},
			ai.Message{Role: ai.RoleAssistant, Content: shot.Output},
		)
	}
	user := question
	if strings.TrimSpace(contextText) != "" {
		user = "Reference material:\n" + contextText + "\n\nQuestion:\n" + question
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: user})
	return msgs
}

// renderPrompt flattens messages for storage next to the response.
func renderPrompt(msgs []ai.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, "["+m.Role+"]\n"+m.Content)
	}
	return strings.Join(parts, "\n\n")
}

func chatParams(p model.GenerationParams) ai.ChatParams {
	out := ai.ChatParams{Temperature: p.Temperature, TopP: p.TopP}
	if p.MaxTokens != nil {
		out.MaxTokens = *p.MaxTokens
	}
	return out
}
