package redistest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingGivesUpWithTheDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ping(ctx, "127.0.0.1:1", "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
