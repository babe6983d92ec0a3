package domain

import "strings"

// Stage is the closed set of provider lifecycle stages.
type Stage int

const (
	StageUnknown Stage = iota
	StageInitiated
	StageRinging
	StageInProgress
	StageDisconnected
	StageCompleted
	StageFailed
	StageCancelled
)

var stageNames = map[Stage]string{
	StageUnknown:      "unknown",
	StageInitiated:    "initiated",
	StageRinging:      "ringing",
	StageInProgress:   "in-progress",
	StageDisconnected: "disconnected",
	StageCompleted:    "completed",
	StageFailed:       "failed",
	StageCancelled:    "cancelled",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Ordinal is the position of the stage in the lifecycle. All terminal stages
// share the highest ordinal so a call can never leave a terminal state.
func (s Stage) Ordinal() int {
	switch s {
	case StageInitiated:
		return 1
	case StageRinging:
		return 2
	case StageInProgress:
		return 3
	case StageDisconnected:
		return 4
	case StageCompleted, StageFailed, StageCancelled:
		return 5
	default:
		return 0
	}
}

// Terminal reports whether the stage ends the call.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// ParseStage maps provider stage strings onto the closed set. Anything it does
// not recognise is StageUnknown and must be rejected by the caller.
func ParseStage(raw string) Stage {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	switch key {
	case "initiated", "queued", "call-initiated":
		return StageInitiated
	case "ringing", "call-ringing":
		return StageRinging
	case "in-progress", "answered", "call-answered":
		return StageInProgress
	case "disconnected", "call-disconnected":
		return StageDisconnected
	case "completed", "call-completed", "ended":
		return StageCompleted
	case "failed", "call-failed", "busy", "no-answer", "error":
		return StageFailed
	case "cancelled", "canceled", "call-cancelled":
		return StageCancelled
	default:
		return StageUnknown
	}
}

// StageFromName resolves a persisted stage name.
func StageFromName(name string) Stage {
	for stage, n := range stageNames {
		if n == name {
			return stage
		}
	}
	return StageUnknown
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name or provider alias.
func (s *Stage) UnmarshalText(text []byte) error {
	*s = ParseStage(string(text))
	return nil
}
