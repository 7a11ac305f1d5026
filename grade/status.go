package grade

import (
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Status is the lifecycle state of a grade.
type Status int

const (
	StatusInQueue Status = iota + 1
	StatusProcessing
	StatusAccepted
	StatusWrongAnswer
	StatusTimeLimitExceeded
	StatusCompilationError
	StatusRuntimeError
	StatusInternalError
	StatusMemoryLimitExceeded
	StatusOutputLimitExceeded
	StatusSecurityViolation
	StatusPresentationError
	StatusPartialScore
	StatusOther
)

var statusDescriptions = map[Status]string{
	StatusInQueue:             "In Queue",
	StatusProcessing:          "Processing",
	StatusAccepted:            "Accepted",
	StatusWrongAnswer:         "Wrong Answer",
	StatusTimeLimitExceeded:   "Time Limit Exceeded",
	StatusCompilationError:    "Compilation Error",
	StatusRuntimeError:        "Runtime Error",
	StatusInternalError:       "Internal Error",
	StatusMemoryLimitExceeded: "Memory Limit Exceeded",
	StatusOutputLimitExceeded: "Output Limit Exceeded",
	StatusSecurityViolation:   "Security Violation",
	StatusPresentationError:   "Presentation Error",
	StatusPartialScore:        "Partial Score",
	StatusOther:               "Other",
}

var nonTerminalStatuses = mapset.NewThreadUnsafeSet(StatusInQueue, StatusProcessing)

// AllStatuses returns every status ordered by id.
func AllStatuses() []Status {
	out := make([]Status, 0, len(statusDescriptions))
	for s := StatusInQueue; s <= StatusOther; s++ {
		out = append(out, s)
	}
	return out
}

// StatusFromID resolves a numeric status id.
func StatusFromID(id int) (Status, error) {
	s := Status(id)
	if _, ok := statusDescriptions[s]; !ok {
		return 0, fmt.Errorf("unknown status id: %d", id)
	}
	return s, nil
}

func (s Status) ID() int { return int(s) }

func (s Status) String() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return !nonTerminalStatuses.Contains(s)
}

// CanTransitionTo enforces forward-only movement through the lifecycle.
// InQueue may jump straight to a terminal status when a grade fails
// before any worker claims it.
func (s Status) CanTransitionTo(next Status) bool {
	if _, ok := statusDescriptions[next]; !ok {
		return false
	}
	switch s {
	case StatusInQueue:
		return next != StatusInQueue
	case StatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

type statusJSON struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusJSON{ID: int(s), Description: s.String()})
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var id int
	if err := json.Unmarshal(data, &id); err == nil {
		parsed, err := StatusFromID(id)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var obj statusJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	parsed, err := StatusFromID(obj.ID)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
