package consts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutsAreOrdered(t *testing.T) {
	ordered := []any{Timeout1Second, Timeout2Seconds, Timeout5Seconds, Timeout15Seconds, Timeout30Seconds, Duration5Minutes}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i], ordered[i-1])
	}
	assert.Greater(t, StreamBuffer, 0)
	assert.Greater(t, MaxErrorBody, 0)
}
