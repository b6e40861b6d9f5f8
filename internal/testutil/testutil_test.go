package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWallClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWallClock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Hour), c.Advance(time.Hour))
	assert.Equal(t, start.Add(time.Hour), c.Now())
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("m")
	assert.Equal(t, "m-1", g.Generate())
	assert.Equal(t, "m-2", g.Generate())

	assert.Equal(t, "id-1", NewSequenceGenerator("").Generate())
}
