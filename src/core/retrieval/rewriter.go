package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/log"
)

const DefaultRewriteTimeout = 20 * time.Second

const rewriteSystemPrompt = `You rewrite search queries for a document retrieval system.
Resolve pronouns and references using the conversation, expand abbreviations and add key terms.
Reply with the rewritten query only, on a single line, without quotes or explanations.`

// QueryRewriter asks a language model for a retrieval oriented version of a
// query. It never fails: on any problem the original query is returned.
type QueryRewriter struct {
	model   LanguageModel
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  logr.Logger
}

type RewriterOption func(*QueryRewriter)

func WithRewriteTimeout(d time.Duration) RewriterOption {
	return func(r *QueryRewriter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRewriterLogger(l logr.Logger) RewriterOption {
	return func(r *QueryRewriter) { r.logger = l }
}

// NewQueryRewriter accepts a nil model, in which case Rewrite is the identity.
func NewQueryRewriter(model LanguageModel, breaker *circuitbreaker.Breaker, opts ...RewriterOption) *QueryRewriter {
	if breaker == nil {
		breaker = circuitbreaker.New("llm", circuitbreaker.DefaultConfig())
	}
	r := &QueryRewriter{
		model:   model,
		breaker: breaker,
		timeout: DefaultRewriteTimeout,
		logger:  log.WithName("rewriter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rewrite returns the rewritten query, or query itself on any failure.
func (r *QueryRewriter) Rewrite(ctx context.Context, query, conversationContext string) string {
	if r == nil || r.model == nil || strings.TrimSpace(query) == "" {
		return query
	}

	out, err := circuitbreaker.Call(ctx, r.breaker, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.model.Generate(ctx, rewriteSystemPrompt, rewritePrompt(query, conversationContext))
	})
	if err != nil {
		r.logger.V(1).Info("query rewrite failed, using original query", "error", err.Error())
		return query
	}

	rewritten, ok := cleanRewrite(out, query)
	if !ok {
		r.logger.V(1).Info("discarding malformed rewrite", "output", out)
		return query
	}
	return rewritten
}

func rewritePrompt(query, conversationContext string) string {
	var b strings.Builder
	if c := strings.TrimSpace(conversationContext); c != "" {
		b.WriteString("Conversation:\n")
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	b.WriteString("Query: ")
	b.WriteString(strings.TrimSpace(query))
	return b.String()
}

// cleanRewrite strips wrapping quotes and a leading label and rejects output
// that is empty, spans several lines or is far longer than the query.
func cleanRewrite(out, query string) (string, bool) {
	s := strings.TrimSpace(out)
	for _, prefix := range []string{"Rewritten query:", "Query:"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
		}
	}
	s = strings.Trim(s, "\"'`“”")
	s = strings.TrimSpace(s)

	if s == "" || strings.ContainsAny(s, "\n\r") {
		return "", false
	}
	if runeLen(s) > 4*runeLen(query)+200 {
		return "", false
	}
	return s, true
}
