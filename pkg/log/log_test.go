package log

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("reader")
	logger.Info().Msg("opened redo log")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reader", entry["component"])
	assert.Equal(t, "opened redo log", entry["message"])
}

func TestErrorCarriesCode(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	Error(40002, "invalid header block number")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(40002), entry["code"])
	assert.Equal(t, "error", entry["level"])
}

func TestParseTimezone(t *testing.T) {
	loc := parseTimezone("+02:00")
	require.NotNil(t, loc)
	_, offset := time.Now().In(loc).Zone()
	assert.Equal(t, 2*3600, offset)

	loc = parseTimezone("-05:30")
	require.NotNil(t, loc)
	_, offset = time.Now().In(loc).Zone()
	assert.Equal(t, -(5*3600 + 30*60), offset)

	assert.NotNil(t, parseTimezone("UTC"))
	assert.Nil(t, parseTimezone("Not/AZone"))
}
