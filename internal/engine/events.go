package engine

import (
	"time"

	"github.com/betpool/pool-engine/internal/model"
)

// Event types published after a unit commits.
const (
	EventPoolCreated     = "pool_created"
	EventWagerAdmitted   = "wager_admitted"
	EventWagerCancelled  = "wager_cancelled"
	EventPoolLocked      = "pool_locked"
	EventPoolSettled     = "pool_settled"
	EventPoolCancelled   = "pool_cancelled"
	EventTemplateSettled = "template_settled"
)

// Event is a committed state change, pushed to WebSocket subscribers.
type Event struct {
	Type       string           `json:"type"`
	PoolID     string           `json:"pool_id,omitempty"`
	TemplateID string           `json:"template_id,omitempty"`
	AccountID  string           `json:"account_id,omitempty"`
	Status     model.PoolStatus `json:"status,omitempty"`
	Entries    int              `json:"entries,omitempty"`
	Outcome    string           `json:"outcome,omitempty"`
	Amount     string           `json:"amount,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Notifier receives events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}

func (e *Engine) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.notifier.Publish(ev)
}
