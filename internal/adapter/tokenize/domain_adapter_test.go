package tokenize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph-pipeline/internal/adapter/tokenize"
)

func TestDomainCounter_CountTokens(t *testing.T) {
	c := tokenize.NewDomainCounter("gpt-4")
	n, err := c.CountTokens("hello world")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
