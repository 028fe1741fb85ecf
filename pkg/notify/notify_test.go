package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRenderDefaultTemplate(t *testing.T) {
	got := Render(nil, KeyDenialDeploy, map[string]string{"account": "carol"})
	assert.Equal(t, "account `carol` is not allowed to trigger deployment", got)
}

func TestRenderOverrideWins(t *testing.T) {
	templates := map[TemplateKey]string{
		KeyRunning: "{job_id} läuft",
	}
	got := Render(templates, KeyRunning, map[string]string{"job_id": "42"})
	assert.Equal(t, "42 läuft", got)
}

func TestRenderUnknownKeyKeepsValues(t *testing.T) {
	got := Render(nil, TemplateKey("bespoke"), map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "bespoke: a=1 b=2", got)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.PostComment(context.Background(), 7, KeyRunning, map[string]string{"job_id": "1"}))
	require.NoError(t, r.PostComment(context.Background(), 7, KeySuccess, nil))
	assert.Equal(t, []TemplateKey{KeyRunning, KeySuccess}, r.Keys())
	assert.Equal(t, 7, r.Comments[0].PRNumber)
}

func TestLogNotifierPostsWithinBurst(t *testing.T) {
	n := NewLogNotifier(nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		require.NoError(t, n.PostComment(context.Background(), 1, KeyRunning, map[string]string{"job_id": "x"}))
	}
}
