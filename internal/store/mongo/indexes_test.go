package mongo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func indexKeyStrings(models []mongo.IndexModel) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		keys, ok := m.Keys.(bson.D)
		if !ok {
			continue
		}
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k.Key)
		}
		out = append(out, strings.Join(parts, ","))
	}
	return out
}

func TestIndexSpecsCoverRequiredSet(t *testing.T) {
	specs := indexSpecs()

	required := map[string][]string{
		CollAgents:      {"agentId", "status,lastHeartbeat"},
		CollMessages:    {"messageId", "toAgent,readAt,createdAt", "threadId,createdAt"},
		CollCheckpoints: {"checkpointId", "agentId,createdAt"},
		CollTasks:       {"taskId", "assignedTo,status"},
		CollSandboxes:   {"sandboxId,agentId", "status,lifecycle.lastHeartbeat"},
	}

	for coll, keys := range required {
		models, ok := specs[coll]
		require.True(t, ok, "no index spec for %s", coll)
		have := indexKeyStrings(models)
		for _, key := range keys {
			assert.Contains(t, have, key, "collection %s", coll)
		}
	}
}

func TestIndexSpecsUniqueConstraints(t *testing.T) {
	unique := map[string]string{
		CollAgents:      "agentId",
		CollMessages:    "messageId",
		CollCheckpoints: "checkpointId",
		CollTasks:       "taskId",
		CollSandboxes:   "sandboxId,agentId",
	}

	for coll, key := range unique {
		found := false
		for _, m := range indexSpecs()[coll] {
			keys := indexKeyStrings([]mongo.IndexModel{m})
			if len(keys) == 1 && keys[0] == key {
				require.NotNil(t, m.Options, "unique index %s on %s has no options", key, coll)
				found = m.Options.Unique != nil && *m.Options.Unique
			}
		}
		assert.True(t, found, "missing unique index %s on %s", key, coll)
	}
}
