package app

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMalformedLogLimitsPerTopic(t *testing.T) {
	l := newMalformedLog()
	errBad := errors.New("bad payload")

	assert.True(t, l.report("audio_state", 3, errBad))
	assert.False(t, l.report("audio_state", 3, errBad))
	assert.False(t, l.report("audio_state", 3, errBad))
	assert.Equal(t, 2, l.suppressed["audio_state"])

	// other topics have their own budget
	assert.True(t, l.report("gps", 1, errBad))
	assert.Equal(t, 0, l.suppressed["gps"])
}
