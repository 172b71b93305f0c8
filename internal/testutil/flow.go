package testutil

// FixedIDGenerator returns the same cycle id every time.
//
// Scenario runs use it so that every log line and report of a run carries a
// predictable id. For a sequence of distinct ids use engine.FixedGenerator.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator returning id.
// If id is empty, Generate() returns "test-cycle-default".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-cycle-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed id. Implements engine.IDGenerator.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
