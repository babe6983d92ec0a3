package lifecycle

import (
	"strings"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
)

// Voicemail signal names recorded in call metadata.
const (
	SignalFlag       = "flag"
	SignalHangup     = "hangup_reason"
	SignalSummary    = "summary"
	SignalTranscript = "transcript"
	SignalDuration   = "short_duration"
)

// VoicemailVerdict is the detector's classification of a completed call.
type VoicemailVerdict struct {
	Voicemail bool
	Signals   []string
	// Borderline verdicts rest on a single heuristic or contradict the
	// provider flag and are logged for review.
	Borderline bool
}

// VoicemailDetector decides whether a completed call reached a human.
type VoicemailDetector struct {
	hangup     []string
	summary    []string
	transcript []string
	maxHuman   int
}

func NewVoicemailDetector(cfg config.VoicemailConfig) *VoicemailDetector {
	return &VoicemailDetector{
		hangup:     lowerAll(cfg.HangupKeywords),
		summary:    lowerAll(cfg.SummaryPhrases),
		transcript: lowerAll(cfg.TranscriptCues),
		maxHuman:   cfg.MaxHumanSeconds,
	}
}

// Detect classifies the event. An explicit provider flag always wins; a
// hangup keyword is conclusive on its own; summary, transcript and duration
// heuristics need each other to be certain.
func (d *VoicemailDetector) Detect(event domain.LifecycleEvent) VoicemailVerdict {
	var signals []string
	hangup := containsAny(event.HangupReason, d.hangup)
	if hangup {
		signals = append(signals, SignalHangup)
	}
	heuristics := 0
	if containsAny(event.Summary, d.summary) {
		signals = append(signals, SignalSummary)
		heuristics++
	}
	if containsAny(event.Transcript, d.transcript) {
		signals = append(signals, SignalTranscript)
		heuristics++
	}
	if d.maxHuman > 0 && event.Duration > 0 && event.Duration < d.maxHuman {
		signals = append(signals, SignalDuration)
		heuristics++
	}

	if event.Voicemail != nil {
		v := VoicemailVerdict{Voicemail: *event.Voicemail}
		if v.Voicemail {
			v.Signals = append([]string{SignalFlag}, signals...)
		} else {
			v.Signals = signals
			v.Borderline = len(signals) > 0
		}
		return v
	}

	switch {
	case hangup:
		return VoicemailVerdict{Voicemail: true, Signals: signals}
	case heuristics >= 2:
		return VoicemailVerdict{Voicemail: true, Signals: signals}
	case heuristics == 1:
		// One uncorroborated heuristic never reclassifies.
		return VoicemailVerdict{Signals: signals, Borderline: true}
	}
	return VoicemailVerdict{}
}

func containsAny(text string, needles []string) bool {
	if text == "" {
		return false
	}
	text = strings.ToLower(text)
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
