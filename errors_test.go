package hybridrt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextFailureWrapsOnce(t *testing.T) {
	cause := errors.New("device lost")
	err := ContextFailure("launch", cause)
	assert.ErrorIs(t, err, ErrContextFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "context launch: device lost", err.Error())

	outer := ContextFailure("present", fmt.Errorf("frame 3: %w", err))
	var ce *ContextError
	assert.True(t, errors.As(outer, &ce))
	assert.Equal(t, "launch", ce.Op)

	assert.NoError(t, ContextFailure("noop", nil))
}

func TestConfigErrorIsConfiguration(t *testing.T) {
	err := Configf("width", "must be at least %d", 1)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrContextFailure)
	assert.Equal(t, "width: must be at least 1", err.Error())
}
