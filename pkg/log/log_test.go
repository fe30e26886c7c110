package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildLoggersChainLevelCalls(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	// Child helpers are chained directly at call sites throughout the
	// codebase; they must support level methods on the returned logger.
	WithComponent("syncer").Info().Msg("component field")
	WithNodeID("node-1").Warn().Msg("node field")
	WithUsername("bob").Debug().Msg("user field")

	out := buf.String()
	assert.Contains(t, out, `"component":"syncer"`)
	assert.Contains(t, out, `"node_id":"node-1"`)
	assert.Contains(t, out, `"username":"bob"`)
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("test").Info().Msg("suppressed")
	WithComponent("test").Error().Msg("emitted")

	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "emitted")
}
