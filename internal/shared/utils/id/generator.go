package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers for sessions, runs, tasks and events.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewSessionID generates a new conversation identifier.
func NewSessionID() string {
	return defaultGenerator.newIdentifier("session")
}

// NewRunID generates a new run identifier.
func NewRunID() string {
	return defaultGenerator.newIdentifier("run")
}

// NewTaskID generates a new plan task identifier.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

// NewPlanID generates a new plan identifier.
func NewPlanID() string {
	return defaultGenerator.newIdentifier("plan")
}

// NewEventID generates a new event identifier.
func NewEventID() string {
	return defaultGenerator.newIdentifier("evt")
}

// NewRequestID generates a correlation identifier for inbound requests.
func NewRequestID() string {
	return defaultGenerator.newIdentifier("req")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}
