package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
)

func testDetector() *VoicemailDetector {
	return NewVoicemailDetector(config.VoicemailConfig{
		HangupKeywords:  []string{"voicemail", "Answering Machine"},
		SummaryPhrases:  []string{"left a voicemail", "went to voicemail"},
		TranscriptCues:  []string{"leave a message after the", "mailbox is full"},
		MaxHumanSeconds: 8,
	})
}

func TestVoicemailDetector(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		name       string
		event      domain.LifecycleEvent
		voicemail  bool
		borderline bool
		signals    []string
	}{
		{
			name:  "human conversation",
			event: domain.LifecycleEvent{Transcript: "user: yes I can talk", Summary: "Booked a demo", Duration: 120},
		},
		{
			name:      "explicit flag",
			event:     domain.LifecycleEvent{Voicemail: &yes},
			voicemail: true,
			signals:   []string{SignalFlag},
		},
		{
			name:       "flag contradicts heuristics",
			event:      domain.LifecycleEvent{Voicemail: &no, Summary: "Went to voicemail"},
			borderline: true,
			signals:    []string{SignalSummary},
		},
		{
			name:      "hangup keyword",
			event:     domain.LifecycleEvent{HangupReason: "answering_machine answering machine detected", Duration: 40},
			voicemail: true,
			signals:   []string{SignalHangup},
		},
		{
			name: "summary and transcript agree",
			event: domain.LifecycleEvent{
				Summary:    "Agent left a voicemail",
				Transcript: "Please leave a message after the tone",
				Duration:   30,
			},
			voicemail: true,
			signals:   []string{SignalSummary, SignalTranscript},
		},
		{
			name:       "single transcript cue",
			event:      domain.LifecycleEvent{Transcript: "Sorry, the mailbox is full", Duration: 30},
			borderline: true,
			signals:    []string{SignalTranscript},
		},
		{
			name:       "single summary phrase",
			event:      domain.LifecycleEvent{Summary: "Call went to voicemail", Duration: 45},
			borderline: true,
			signals:    []string{SignalSummary},
		},
		{
			name:      "summary corroborated by short duration",
			event:     domain.LifecycleEvent{Summary: "Call went to voicemail", Duration: 5},
			voicemail: true,
			signals:   []string{SignalSummary, SignalDuration},
		},
		{
			name:       "short call alone",
			event:      domain.LifecycleEvent{Duration: 3},
			borderline: true,
			signals:    []string{SignalDuration},
		},
	}

	d := testDetector()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Detect(tc.event)
			assert.Equal(t, tc.voicemail, got.Voicemail)
			assert.Equal(t, tc.borderline, got.Borderline)
			assert.Equal(t, tc.signals, got.Signals)
		})
	}
}
