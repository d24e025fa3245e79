package events

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Triple is one coherent (source, event type, payload) combination.
type Triple struct {
	Source    string
	EventType string
	Payload   string
}

var (
	sources    = []string{"marketing", "user_activity", "monitoring"}
	eventTypes = []string{"click", "login", "error", "conversion"}
	payloads   = []string{
		"User clicked on ad",
		"User logged in",
		"CPU usage high",
		"Campaign conversion recorded",
	}
)

// Vocabulary returns every triple the generator can emit.
func Vocabulary() []Triple {
	triples := make([]Triple, len(sources))
	for i := range sources {
		triples[i] = Triple{Source: sources[i], EventType: eventTypes[i], Payload: payloads[i]}
	}
	return triples
}

// Generator produces synthetic events. It is not safe for concurrent use.
type Generator struct {
	faker *gofakeit.Faker
	now   func() time.Time
}

// NewGenerator creates a generator. A zero seed draws a random seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		faker: gofakeit.New(seed),
		now:   time.Now,
	}
}

// WithClock replaces the time source used for event timestamps.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate returns one event whose source, type and payload share an index.
func (g *Generator) Generate() Event {
	i := g.faker.IntRange(0, len(sources)-1)

	return Event{
		Timestamp: g.now().UTC().Format(time.RFC3339Nano),
		Source:    sources[i],
		EventType: eventTypes[i],
		Payload:   payloads[i],
	}
}

// GenerateN returns n events.
func (g *Generator) GenerateN(n int) []Event {
	if n <= 0 {
		return nil
	}
	batch := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, g.Generate())
	}
	return batch
}
