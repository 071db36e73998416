package questforge_test

import (
	"testing"

	qf "github.com/ineyio/questforge"
	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	// 19 chars → 4 tokens + 4 overhead + 3 base
	assert.Equal(t, int64(11), qf.EstimateTokens("", "Hello, how are you?"))
	assert.Greater(t, qf.EstimateTokens("system prompt", "Hello"), qf.EstimateTokens("", "Hello"))
}
