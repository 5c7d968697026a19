// Package coordination implements the MongoDB-backed coordination plane:
// the inter-agent message bus, the append-only checkpoint log, the task
// ledger, and the agent registry with session and token accounting.
package coordination

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/store"
)

// Service exposes the coordination operations over a store.Repository. It
// is safe for concurrent use when the repository is.
type Service struct {
	repo   store.Repository
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a coordination service.
func NewService(repo store.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newSessionID builds a durable session handle:
// "session-" + epoch millis + "-" + 9 random base36 characters.
func newSessionID(at time.Time) string {
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = base36Alphabet[rand.Intn(len(base36Alphabet))]
	}
	return "session-" + strconv.FormatInt(at.UnixMilli(), 10) + "-" + string(suffix)
}
