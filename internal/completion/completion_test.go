package completion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/cookbot/internal/control"
	"github.com/stupiduntilnot/cookbot/internal/dummy"
	"github.com/stupiduntilnot/cookbot/internal/history"
	"github.com/stupiduntilnot/cookbot/internal/metrics"
	"github.com/stupiduntilnot/cookbot/internal/prompt"
)

var testTemplates = prompt.Templates{
	prompt.General: {System: "general system", Temperature: 0.7, MaxTokens: 1000},
	prompt.Recipe:  {System: "recipe system", Temperature: 0.3, MaxTokens: 1500},
}

// fastPolicy keeps the production shape with a short delay.
func fastPolicy() control.Policy {
	p := control.CompletionPolicy()
	p.Delay = 5 * time.Millisecond
	return p
}

func newProvider(t *testing.T, script string) *dummy.Provider {
	t.Helper()
	p, err := dummy.NewProvider("test-model", script)
	require.NoError(t, err)
	return p
}

func sampleHistory() []history.Message {
	return []history.Message{
		{Role: history.RoleUser, Content: "how long to boil eggs?", CreatedAt: time.Now()},
		{Role: history.RoleAssistant, Content: "about 8 minutes", CreatedAt: time.Now()},
	}
}

func TestGenerate_Success(t *testing.T) {
	p := newProvider(t, "msg:Варите 8 минут")
	c := New(p, testTemplates, WithPolicy(fastPolicy()))

	reply, ok := c.Generate(context.Background(), "eggs?", nil, prompt.General)
	require.True(t, ok)
	assert.Equal(t, "Варите 8 минут", reply)
	assert.Equal(t, 1, p.Calls())
}

func TestGenerate_GeneralIncludesHistoryAndSampling(t *testing.T) {
	p := newProvider(t, "ok")
	c := New(p, testTemplates, WithPolicy(fastPolicy()))

	_, ok := c.Generate(context.Background(), "and soft-boiled?", sampleHistory(), prompt.General)
	require.True(t, ok)

	req := p.LastRequest()
	require.Len(t, req.Messages, 4)
	assert.Equal(t, prompt.Message{Role: "system", Content: "general system"}, req.Messages[0])
	assert.Equal(t, "how long to boil eggs?", req.Messages[1].Content)
	assert.Equal(t, "about 8 minutes", req.Messages[2].Content)
	assert.Equal(t, prompt.Message{Role: "user", Content: "and soft-boiled?"}, req.Messages[3])
	assert.Equal(t, float32(0.7), req.Temperature)
	assert.Equal(t, 1000, req.MaxTokens)
}

func TestGenerate_RecipeNeverIncludesHistory(t *testing.T) {
	p := newProvider(t, "ok")
	c := New(p, testTemplates, WithPolicy(fastPolicy()))

	_, ok := c.Generate(context.Background(), "pancakes", sampleHistory(), prompt.Recipe)
	require.True(t, ok)

	req := p.LastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "recipe system", req.Messages[0].Content)
	assert.Equal(t, "pancakes", req.Messages[1].Content)
	assert.Equal(t, float32(0.3), req.Temperature)
	assert.Equal(t, 1500, req.MaxTokens)
}

func TestGenerate_RetriesOnceThenSucceeds(t *testing.T) {
	p := newProvider(t, "err:provider_api,msg:second try")
	c := New(p, testTemplates, WithPolicy(fastPolicy()))

	reply, ok := c.Generate(context.Background(), "hi", nil, prompt.General)
	require.True(t, ok)
	assert.Equal(t, "second try", reply)
	assert.Equal(t, 2, p.Calls())
}

func TestGenerate_ExhaustedAfterExactlyTwoAttempts(t *testing.T) {
	for _, script := range []string{"err:provider_api", "timeout", "timeout,err:x"} {
		t.Run(script, func(t *testing.T) {
			p := newProvider(t, script)
			c := New(p, testTemplates, WithPolicy(fastPolicy()))

			reply, ok := c.Generate(context.Background(), "hi", nil, prompt.General)
			assert.False(t, ok)
			assert.Empty(t, reply)
			assert.Equal(t, 2, p.Calls())
		})
	}
}

func TestGenerate_NoDelayAfterTimeout(t *testing.T) {
	policy := control.CompletionPolicy()
	policy.Delay = 300 * time.Millisecond

	p := newProvider(t, "timeout,ok")
	c := New(p, testTemplates, WithPolicy(policy))
	start := time.Now()
	_, ok := c.Generate(context.Background(), "hi", nil, prompt.General)
	require.True(t, ok)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	p = newProvider(t, "err:x,ok")
	c = New(p, testTemplates, WithPolicy(policy))
	start = time.Now()
	_, ok = c.Generate(context.Background(), "hi", nil, prompt.General)
	require.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestGenerate_StopsWhenContextCancelled(t *testing.T) {
	p := newProvider(t, "err:x")
	policy := control.CompletionPolicy()
	policy.Delay = time.Minute
	c := New(p, testTemplates, WithPolicy(policy))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, ok := c.Generate(ctx, "hi", nil, prompt.General)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, p.Calls())
}

func TestGenerate_LogsAndCountsExhaustion(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newProvider(t, "err:provider_api")
	c := New(p, testTemplates,
		WithPolicy(fastPolicy()),
		WithLogger(zerolog.New(&buf)),
		WithMetrics(m),
	)

	_, ok := c.Generate(context.Background(), "hi", nil, prompt.Recipe)
	require.False(t, ok)

	assert.Contains(t, buf.String(), "completion failed after all attempts")
	assert.Contains(t, buf.String(), `"kind":"recipe"`)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CompletionAttemptsTotal.WithLabelValues("recipe", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CompletionExhaustedTotal.WithLabelValues("recipe")))
}

func TestGenerate_UnknownKind(t *testing.T) {
	p := newProvider(t, "ok")
	c := New(p, prompt.Templates{prompt.General: testTemplates[prompt.General]})

	_, ok := c.Generate(context.Background(), "hi", nil, prompt.Recipe)
	assert.False(t, ok)
	assert.Equal(t, 0, p.Calls())
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", dummy.ErrTimeout)))
	assert.False(t, IsTimeout(errors.New("status=500")))
	assert.False(t, IsTimeout(nil))
}
