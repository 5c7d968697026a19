package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/squadlite/squadlite/internal/store"
)

func TestExtractResultBetweenSentinels(t *testing.T) {
	stdout := "boot noise\n=== DIRECTOR OUTPUT ===\nthe summary\n=== END OUTPUT ===\ntrailing noise\n"
	assert.Equal(t, "the summary", ExtractResult(store.AgentTypeDirector, stdout))

	stdout = "=== SPECIALIST OUTPUT ===\nline one\nline two\n=== END OUTPUT ==="
	assert.Equal(t, "line one\nline two", ExtractResult(store.AgentTypeSpecialist, stdout))
}

func TestExtractResultWrongSentinelFallsBack(t *testing.T) {
	// A specialist extractor ignores director markers and keeps everything.
	stdout := "=== DIRECTOR OUTPUT ===\nsummary\n=== END OUTPUT ==="
	assert.Equal(t, stdout, ExtractResult(store.AgentTypeSpecialist, stdout))
}

func TestExtractResultMissingEndMarker(t *testing.T) {
	stdout := "=== SPECIALIST OUTPUT ===\npartial output"
	assert.Equal(t, "partial output", ExtractResult(store.AgentTypeSpecialist, stdout))
}

func TestExtractResultNoSentinelsUsesTrimmedStdout(t *testing.T) {
	assert.Equal(t, "bare output", ExtractResult(store.AgentTypeDirector, "  bare output \n"))
	assert.Equal(t, "", ExtractResult(store.AgentTypeDirector, "   \n\t"))
}

func TestOutputCollector(t *testing.T) {
	c := NewOutputCollector()
	c.Collect("a1", "stdout", "hello ")
	c.Collect("a1", "stdout", "world")
	c.Collect("a1", "stderr", "warning: ignored")
	c.Collect("a2", "stdout", "other agent")

	assert.Equal(t, "hello world", c.Snapshot("a1"))
	assert.Equal(t, "other agent", c.Snapshot("a2"))
	assert.Equal(t, "", c.Snapshot("a3"))

	c.Reset("a1")
	assert.Equal(t, "", c.Snapshot("a1"))
	assert.Equal(t, "other agent", c.Snapshot("a2"))
}
