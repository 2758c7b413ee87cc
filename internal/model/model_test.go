package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusOpen.Terminal())
	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusLiquidated.Terminal())
}
