package webhooks

import "time"

// Event types dispatched by vaultd.
const (
	// EventFailClosed fires when an append could not be committed to its
	// ledger and was forced onto the fail-closed path.
	EventFailClosed = "ledger.fail_closed"

	// EventIntegrityViolation fires when an audit finds a broken chain.
	EventIntegrityViolation = "ledger.integrity_violation"
)

// Target is a configured webhook receiver. An empty Events list, or one
// containing "*", subscribes to every event.
type Target struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body POSTed to each matching target.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}
