package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})
	return l, &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &out))
	return out
}

func TestWithObserver_TagsContextLogger(t *testing.T) {
	l, buf := bufferLogger(t)
	ctx := l.WithContext(context.Background())

	ctx = WithObserver(SetComponent(ctx, "bus"), "obs-1", "ws")
	FromContext(ctx).Info("joined")

	line := lastLine(t, buf)
	assert.Equal(t, "obs-1", line[FieldObserverID])
	assert.Equal(t, "ws", line[FieldTransport])
	assert.Equal(t, "bus", line[FieldComponent])
	assert.Equal(t, "test", line["service"])
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, GetDefault(), FromContext(context.Background()))
}

func TestEntry_FieldsStayOnOneLine(t *testing.T) {
	l, buf := bufferLogger(t)
	ctx := SetJobID(l.WithContext(context.Background()), "job-7")

	With(Fields{FieldCount: 3}).Info(ctx, "cleared %d jobs", 3)
	line := lastLine(t, buf)
	assert.Equal(t, "cleared 3 jobs", line["message"])
	assert.Equal(t, float64(3), line[FieldCount])
	assert.Equal(t, "job-7", line[FieldJobID])

	CtxInfo(ctx, "plain")
	line = lastLine(t, buf)
	assert.NotContains(t, line, FieldCount)
	assert.Equal(t, "job-7", line[FieldJobID])
}
