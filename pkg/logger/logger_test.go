package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	saved := Log
	defer func() { Log = saved }()

	require.NoError(t, Setup("warn", "json"))
	assert.Equal(t, zerolog.WarnLevel, Log.GetLevel())
	assert.Error(t, Setup("chatty", ""))
}

func TestBuildWritesToOutput(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		var buf bytes.Buffer
		l := build(jsonOutput, &buf)
		l.Info().Str("task_id", "t1").Msg("Task queued")

		out := buf.String()
		assert.Contains(t, out, "Task queued")
		assert.Contains(t, out, "t1")
		assert.Equal(t, jsonOutput, strings.HasPrefix(out, "{"), out)
	}
}
