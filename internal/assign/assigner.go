// Package assign pins each conversation to one agent so two operators never
// answer the same patient. New conversations rotate through the active agent
// pool; the rotation counter persists across restarts.
package assign

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/store"
)

// ErrExcluded marks numbers that must never enter the assignment pool
// (the line's own number, test numbers, suppliers).
var ErrExcluded = errors.New("number is excluded")

// ErrNoAgents is returned when the active agent pool is empty.
var ErrNoAgents = errors.New("no active agents configured")

// Assigner resolves which agent owns a conversation.
type Assigner struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	agents   []string
	excluded map[string]bool
}

// New creates an assigner over the active agent usernames, in rotation order.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, agents, excludedNumbers []string) *Assigner {
	excluded := make(map[string]bool, len(excludedNumbers))
	for _, n := range excludedNumbers {
		excluded[normalize(n)] = true
	}
	return &Assigner{
		db:       db,
		bus:      b,
		logger:   logger,
		agents:   agents,
		excluded: excluded,
	}
}

// IsExcluded reports whether a number is banned from assignment.
func (a *Assigner) IsExcluded(number string) bool {
	return a.excluded[normalize(number)]
}

// Resolve returns the agent owning the conversation, assigning one
// round-robin when the conversation is new.
func (a *Assigner) Resolve(conversationKey string) (string, error) {
	if a.IsExcluded(conversationKey) {
		return "", ErrExcluded
	}

	existing, err := a.db.GetAssignment(conversationKey)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.Agent, nil
	}

	if len(a.agents) == 0 {
		return "", ErrNoAgents
	}
	idx, err := a.db.NextRoundRobin(len(a.agents))
	if err != nil {
		return "", err
	}
	agent := a.agents[idx]
	if err := a.db.SetAssignment(conversationKey, agent); err != nil {
		return "", err
	}

	a.logger.Info("conversation assigned",
		zap.String("conversation", conversationKey),
		zap.String("agent", agent))
	a.bus.Publish(bus.Event{
		Kind:      bus.KindConversationAssigned,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation": conversationKey, "agent": agent},
	})
	return agent, nil
}

// Reassign pins a conversation to a specific agent, overriding the rotation.
func (a *Assigner) Reassign(conversationKey, agent string) error {
	if err := a.db.SetAssignment(conversationKey, agent); err != nil {
		return err
	}
	a.bus.Publish(bus.Event{
		Kind:      bus.KindConversationAssigned,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation": conversationKey, "agent": agent},
	})
	return nil
}

// ConversationsFor lists the conversation keys pinned to one agent.
func (a *Assigner) ConversationsFor(agent string) ([]string, error) {
	all, err := a.db.ListAssignments()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, asg := range all {
		if asg.Agent == agent {
			keys = append(keys, asg.ConversationKey)
		}
	}
	return keys, nil
}

func normalize(number string) string {
	return strings.TrimPrefix(strings.TrimSpace(number), "+")
}
