package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"goa.design/loom/runtime/telemetry"
)

// debugContext returns a clue context writing to buf with buffering off so
// assertions see entries immediately.
func debugContext(buf *bytes.Buffer) context.Context {
	return log.Context(context.Background(),
		log.WithOutput(buf), log.WithFormat(log.FormatText), log.WithDebug())
}

func TestClueLoggerEmitsStructuredPairs(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewClueLogger()

	logger.Info(debugContext(&buf), "started", "run", "run-1", "wave", 2)

	out := buf.String()
	require.Contains(t, out, "msg=started")
	require.Contains(t, out, "run=run-1")
	require.Contains(t, out, "wave=2")
}

func TestClueLoggerSkipsMalformedPairs(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewClueLogger()

	// A non-string key drops its pair; a trailing key logs with no value.
	logger.Warn(debugContext(&buf), "odd", 42, "skipped-value", "trailing")

	out := buf.String()
	require.Contains(t, out, "msg=odd")
	require.NotContains(t, out, "skipped-value")
	require.Contains(t, out, "trailing=")
}

func TestClueLoggerDebugGatedByContext(t *testing.T) {
	var quiet bytes.Buffer
	ctx := log.Context(context.Background(),
		log.WithOutput(&quiet), log.WithFormat(log.FormatText))
	telemetry.NewClueLogger().Debug(ctx, "hidden")
	require.Empty(t, quiet.String())

	var chatty bytes.Buffer
	telemetry.NewClueLogger().Debug(debugContext(&chatty), "visible")
	require.Contains(t, chatty.String(), "msg=visible")
}
