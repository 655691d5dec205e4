package retrieval_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/core/retrieval"
)

func TestRewriteFailsOpen(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{name: "provider error", model: &fakeModel{err: errProvider}},
		{name: "empty output", model: &fakeModel{reply: "   "}},
		{name: "multi line chatter", model: &fakeModel{reply: "Sure! Here is the query:\nrotate api keys"}},
		{name: "runaway output", model: &fakeModel{reply: strings.Repeat("keys ", 200)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := retrieval.NewQueryRewriter(tt.model, nil)
			assert.Equal(t, "how do I rotate it", r.Rewrite(context.Background(), "how do I rotate it", "we talked about API keys"))
		})
	}
}

func TestRewriteUsesModelOutput(t *testing.T) {
	m := &fakeModel{reply: `Rewritten query: "rotate API keys with the CLI"`}
	r := retrieval.NewQueryRewriter(m, nil)

	got := r.Rewrite(context.Background(), "how do I rotate it", "user: I use the CLI for API keys")

	assert.Equal(t, "rotate API keys with the CLI", got)
	assert.Contains(t, m.lastUser, "user: I use the CLI for API keys")
	assert.Contains(t, m.lastUser, "how do I rotate it")
}

func TestRewriteWithoutModelIsIdentity(t *testing.T) {
	var nilRewriter *retrieval.QueryRewriter
	assert.Equal(t, "q", nilRewriter.Rewrite(context.Background(), "q", ""))
	assert.Equal(t, "q", retrieval.NewQueryRewriter(nil, nil).Rewrite(context.Background(), "q", ""))
}

func TestRewriteSkipsModelWhenBreakerOpen(t *testing.T) {
	m := &fakeModel{err: errProvider}
	breaker := circuitbreaker.New("llm", circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	r := retrieval.NewQueryRewriter(m, breaker)

	assert.Equal(t, "q", r.Rewrite(context.Background(), "q", ""))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	m.err = nil
	m.reply = "better query"
	assert.Equal(t, "q", r.Rewrite(context.Background(), "q", ""))
	assert.Equal(t, 1, m.calls)
}
