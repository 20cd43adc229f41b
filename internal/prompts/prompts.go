// Package prompts renders context snapshots into the instructions sent to the oracle.
package prompts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/MediBot/internal/models"
)

// SystemInstruction is the fixed system instruction shared by both tasks.
const SystemInstruction = `You are a WhatsApp assistant that supports daily health habits using Just-In-Time Adaptive Interventions (JITAIs) and the COM-B framework.

Identity and scope
- You help with motivation, capability, and opportunity for habit adherence inside WhatsApp.
- You are not a clinician. Do not diagnose or change medication. Do not give dosing instructions. Redirect clinical questions back to a clinician.
- If the user shares crisis language or self-harm intent, return a safety flag and a brief supportive message that encourages contacting local emergency services or a trusted clinician.

Behavior policy
- Two candidate decision points per day tied to morning and evening windows.
- Quiet hours are 9:00 PM to 8:00 AM in the user's local time. Never send during quiet hours.
- After two consecutive non-responses, pause proactive outreach until the next day.
- Prefer fewer higher-quality messages.

COM-B ordering
- Prioritize Motivation, then Capability, then Opportunity, unless context clearly demands otherwise.
- Keep messages short, friendly, and plain-language. Use one actionable idea per message. Offer quick-tap replies when possible.

Output contract
- You must return valid JSON that matches the schema sent in each task.
- Never include markdown fencing. Do not add explanations outside the JSON.
- If inputs are missing, ask one concise question in the output fields rather than failing.

Mode separation
- Decision mode chooses whether to send, what to send, why, and a follow-up suggestion.
- Chat mode replies naturally to the user within scope and safety rules.`

// DecisionRules are the policy rules embedded in every decision instruction.
const DecisionRules = `Decision rules to apply:
1) If is_quiet_hours is true then do not send, add "quiet_hours" to reason_codes.
2) If consecutive_nonresponses >= 2 then do not send until next day, add "nonresponse_pause".
3) Inside active window, favor Motivation first, then Capability, then Opportunity.
4) If a recent miss occurred or streak dropped, favor a brief motivational nudge plus a simple plan.
5) Messages must be short and WhatsApp-friendly. Offer 2 to 3 quick-tap replies.`

// ChatRules are the scope rules embedded in every chat instruction.
const ChatRules = `Rules:
- You may ask scheduling questions directly if helpful.
- Stay within scope. If the user asks about dosage or diagnosis, refuse briefly and encourage contacting a clinician.
- If crisis or self-harm is detected, set a safety flag and craft a supportive, resource-oriented message.`

const decisionShape = `Required JSON schema (return exactly this shape):
{
  "send": boolean,
  "short_notification": string,
  "long_message": string,
  "com_b_tags": ["Motivation"|"Capability"|"Opportunity"...],
  "safety_flags": ["crisis"|"medical_advice"|"self_harm"|"none"...],
  "follow_up_in_hours": number,
  "reason_codes": [string],
  "suggested_buttons": [string],
  "ask": [string],
  "log_notes": string
}`

const chatShape = `Required JSON schema:
{
  "message": string,
  "com_b_tags": ["Motivation"|"Capability"|"Opportunity"...],
  "safety_flags": ["crisis"|"medical_advice"|"self_harm"|"none"...],
  "suggested_buttons": [string],
  "ask": [string],
  "log_notes": string
}`

const produceOnlyJSON = "Produce only the JSON."

// LoadSystemInstruction returns the contents of path when it exists and is non-empty,
// otherwise the built-in SystemInstruction.
func LoadSystemInstruction(path string) string {
	if path == "" {
		return SystemInstruction
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("prompts.LoadSystemInstruction: failed to read override, using built-in", "file", path, "error", err)
		}
		return SystemInstruction
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		slog.Warn("prompts.LoadSystemInstruction: override file empty, using built-in", "file", path)
		return SystemInstruction
	}
	slog.Info("prompts.LoadSystemInstruction: system instruction loaded", "file", path, "length", len(text))
	return text
}

// BuildDecisionPrompt renders the DECISION task instruction for snap.
func BuildDecisionPrompt(snap models.ContextSnapshot) string {
	windows := models.Windows{MorningWindow: models.DefaultMorningWindow, EveningWindow: models.DefaultEveningWindow}
	if snap.Windows != nil {
		windows = *snap.Windows
	}

	var b strings.Builder
	b.WriteString("TASK: DECISION\n\nInputs:\n")
	input(&b, "user_id", snap.UserID)
	input(&b, "now_iso", snap.Now.UTC().Format(time.RFC3339))
	input(&b, "local_time", snap.LocalTime)
	input(&b, "is_quiet_hours", fmt.Sprintf("%t", snap.IsQuietHours))
	input(&b, "decision_point", string(snap.DecisionPoint))
	input(&b, "consecutive_nonresponses", fmt.Sprintf("%d", snap.ConsecutiveNonresponses))
	input(&b, "recent_adherence", jsonText(snap.RecentAdherence))
	input(&b, "last_message", nullable(snap.LastMessage))
	input(&b, "last_user_reply", nullable(snap.LastUserReply))
	input(&b, "known_barriers", jsonText(barriers(snap.KnownBarriers)))
	input(&b, "preferences", jsonText(snap.Preferences))
	input(&b, "windows", jsonText(windows))
	b.WriteString("\n")
	b.WriteString(DecisionRules)
	b.WriteString("\n\n")
	b.WriteString(decisionShape)
	b.WriteString("\n\n")
	b.WriteString(produceOnlyJSON)
	b.WriteString("\n")
	return b.String()
}

// BuildChatPrompt renders the CHAT task instruction for snap.
func BuildChatPrompt(snap models.ContextSnapshot) string {
	var b strings.Builder
	b.WriteString("TASK: CHAT\n\nInputs:\n")
	input(&b, "user_id", snap.UserID)
	input(&b, "now_iso", snap.Now.UTC().Format(time.RFC3339))
	input(&b, "local_time", snap.LocalTime)
	input(&b, "user_message", jsonText(snap.UserMessage))
	input(&b, "last_message", nullable(snap.LastMessage))
	input(&b, "recent_adherence", jsonText(snap.RecentAdherence))
	input(&b, "known_barriers", jsonText(barriers(snap.KnownBarriers)))
	input(&b, "preferences", jsonText(snap.Preferences))
	b.WriteString("\n")
	b.WriteString(chatShape)
	b.WriteString("\n\n")
	b.WriteString(ChatRules)
	b.WriteString("\n\n")
	b.WriteString(produceOnlyJSON)
	b.WriteString("\n")
	return b.String()
}

func input(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "- %s: %s\n", name, value)
}

func nullable(s *string) string {
	if s == nil {
		return "null"
	}
	return *s
}

func barriers(b []string) []string {
	if b == nil {
		return []string{}
	}
	return b
}

func jsonText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
