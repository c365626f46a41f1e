package browser

import (
	"context"
	"testing"

	"metabigor/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func TestRenderUnreachableRemote(t *testing.T) {
	rec := &telemetry.Recorder{}
	r := NewRenderer(Config{RemoteURL: "ws://127.0.0.1:1/devtools/browser/none"}, rec)
	defer r.Close()

	_, err := r.Render(context.Background(), "http://example.com")
	require.ErrorIs(t, err, ErrUnavailable)

	// the failure is remembered instead of reconnecting for every page
	_, err = r.Render(context.Background(), "http://example.com/2")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 2, rec.Count("warning", "renderer.render"))
}

func TestCloseWithoutStart(t *testing.T) {
	r := NewRenderer(Config{}, &telemetry.Recorder{})
	require.NoError(t, r.Close())
}
