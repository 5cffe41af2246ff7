package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextAttachesRequestID(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "json", "debug")
	t.Cleanup(func() { Init("text", "info") })

	ctx := WithRequestID(context.Background(), "req-123")
	FromContext(ctx).Info("tenant resolved", "owner", "a@x.com")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "a@x.com", entry["owner"])
	assert.Equal(t, "tenant resolved", entry["msg"])
}

func TestSetLevelFromStringFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "text", "warn")
	t.Cleanup(func() { Init("text", "info") })

	Op().Debug("hidden")
	Op().Info("hidden too")
	assert.Zero(t, buf.Len())

	Op().Warn("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestRequestIDMissing(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Same(t, Op(), FromContext(context.Background()))
}
