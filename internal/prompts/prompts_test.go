package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/MediBot/internal/models"
)

func decisionSnapshot() models.ContextSnapshot {
	last := "Time for your evening dose?"
	return models.ContextSnapshot{
		UserID:                  "user-123",
		Now:                     time.Date(2025, 11, 6, 13, 15, 0, 0, time.UTC),
		LocalTime:               "2025-11-06T08:15:00-05:00",
		IsQuietHours:            false,
		DecisionPoint:           models.DecisionPointMorning,
		ConsecutiveNonresponses: 1,
		RecentAdherence: models.RecentAdherence{
			Last7:  models.AdherenceWindow{Taken: 5, Missed: 2},
			Streak: 1,
		},
		LastMessage:   &last,
		KnownBarriers: []string{"forgetfulness"},
		Preferences:   models.Preferences{Tone: "friendly", Language: "en", Name: "Winston"},
		Windows:       &models.Windows{MorningWindow: "07:00-09:00", EveningWindow: "18:00-20:00"},
	}
}

func TestBuildDecisionPromptRendersInputs(t *testing.T) {
	out := BuildDecisionPrompt(decisionSnapshot())

	assert.True(t, strings.HasPrefix(out, "TASK: DECISION\n"))
	for _, want := range []string{
		"- user_id: user-123\n",
		"- now_iso: 2025-11-06T13:15:00Z\n",
		"- local_time: 2025-11-06T08:15:00-05:00\n",
		"- is_quiet_hours: false\n",
		"- decision_point: morning\n",
		"- consecutive_nonresponses: 1\n",
		`- recent_adherence: {"last_7":{"taken":5,"missed":2},"streak":1}` + "\n",
		"- last_message: Time for your evening dose?\n",
		"- last_user_reply: null\n",
		`- known_barriers: ["forgetfulness"]` + "\n",
		`- preferences: {"tone":"friendly","language":"en","name":"Winston"}` + "\n",
		`- windows: {"morning_window":"07:00-09:00","evening_window":"18:00-20:00"}` + "\n",
	} {
		assert.Contains(t, out, want)
	}
	assert.True(t, strings.HasSuffix(out, "Produce only the JSON.\n"))
}

func TestBuildDecisionPromptEmbedsRulesVerbatim(t *testing.T) {
	out := BuildDecisionPrompt(decisionSnapshot())
	assert.Contains(t, out, DecisionRules)
	assert.Contains(t, out, `1) If is_quiet_hours is true then do not send, add "quiet_hours" to reason_codes.`)
	assert.Contains(t, out, `2) If consecutive_nonresponses >= 2 then do not send until next day, add "nonresponse_pause".`)
	assert.Contains(t, out, `"follow_up_in_hours": number`)
}

func TestBuildDecisionPromptDefaultsWindowsAndBarriers(t *testing.T) {
	snap := decisionSnapshot()
	snap.Windows = nil
	snap.KnownBarriers = nil
	snap.Preferences = models.Preferences{}

	out := BuildDecisionPrompt(snap)
	assert.Contains(t, out, `- windows: {"morning_window":"07:00-09:00","evening_window":"18:00-20:00"}`)
	assert.Contains(t, out, "- known_barriers: []\n")
	assert.Contains(t, out, "- preferences: {}\n")
}

func TestBuildChatPromptQuotesUserMessage(t *testing.T) {
	snap := decisionSnapshot()
	snap.DecisionPoint = ""
	snap.Windows = nil
	snap.LastMessage = nil
	snap.UserMessage = `Hi Medi, can you "increase" my dose?`

	out := BuildChatPrompt(snap)
	assert.True(t, strings.HasPrefix(out, "TASK: CHAT\n"))
	assert.Contains(t, out, `- user_message: "Hi Medi, can you \"increase\" my dose?"`)
	assert.Contains(t, out, "- last_message: null\n")
	assert.Contains(t, out, ChatRules)
	assert.NotContains(t, out, "decision_point")
	assert.NotContains(t, out, "Decision rules")
}

func TestLoadSystemInstruction(t *testing.T) {
	assert.Equal(t, SystemInstruction, LoadSystemInstruction(""))
	assert.Equal(t, SystemInstruction, LoadSystemInstruction(filepath.Join(t.TempDir(), "missing.txt")))

	empty := filepath.Join(t.TempDir(), "empty.txt")
	assert.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	assert.Equal(t, SystemInstruction, LoadSystemInstruction(empty))

	custom := filepath.Join(t.TempDir(), "system.txt")
	assert.NoError(t, os.WriteFile(custom, []byte("Custom instruction\n"), 0o644))
	assert.Equal(t, "Custom instruction", LoadSystemInstruction(custom))
}
