package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown server IDs
	ErrNotFound = errors.New("server not found")
	// ErrValidation is returned for malformed create requests
	ErrValidation = errors.New("validation error")
)

// State represents the lifecycle state of a hosted bot
type State string

const (
	StateOffline    State = "offline"
	StateStarting   State = "starting"
	StateOnline     State = "online"
	StateRestarting State = "restarting"
)

// HasSandbox reports whether a sandbox reference may be attached in this state
func (s State) HasSandbox() bool {
	return s == StateStarting || s == StateOnline
}

// RuntimeKind selects the execution image and entry command
type RuntimeKind string

const (
	RuntimePython     RuntimeKind = "python"
	RuntimeJavaScript RuntimeKind = "javascript"
)

// EntryFile returns the script the sandbox executes for this runtime
func (r RuntimeKind) EntryFile() string {
	switch r {
	case RuntimePython:
		return "bot.py"
	case RuntimeJavaScript:
		return "bot.js"
	default:
		return ""
	}
}

// ParseRuntime accepts the runtime names clients send. An empty value
// selects JavaScript, the hosting API's historical default.
func ParseRuntime(s string) (RuntimeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "node", "nodejs", "js", "javascript":
		return RuntimeJavaScript, nil
	case "py", "python", "python3":
		return RuntimePython, nil
	default:
		return "", fmt.Errorf("%w: unsupported runtime %q", ErrValidation, s)
	}
}

// Plan is the billing tier. It is informational only.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// maxPlanLength bounds plan names kept for display
const maxPlanLength = 64

// ParsePlan normalizes a plan name, defaulting to free. Known tiers are
// lowercased; other names are kept as given since plans are not enforced.
func ParsePlan(s string) (Plan, error) {
	s = strings.TrimSpace(s)
	switch p := Plan(strings.ToLower(s)); p {
	case "":
		return PlanFree, nil
	case PlanFree, PlanBasic, PlanPro, PlanPremium:
		return p, nil
	}
	if len(s) > maxPlanLength {
		return "", fmt.Errorf("%w: plan name longer than %d bytes", ErrValidation, maxPlanLength)
	}
	return Plan(s), nil
}

// Identity represents a hosted bot registration
type Identity struct {
	ID         string      `json:"serverId"`
	Plan       Plan        `json:"plan"`
	Runtime    RuntimeKind `json:"runtime"`
	WorkDir    string      `json:"-"`
	SandboxRef *string     `json:"sandboxRef,omitempty"`
	State      State       `json:"status"`
	Epoch      uint64      `json:"epoch"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Stats contains registry statistics
type Stats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"by_state"`
}
