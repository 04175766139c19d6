// Package gateway wires the recall pipeline to the chat gateway's event
// hooks. Hook semantics (names, soft deadlines, error containment) are
// dictated by the external gateway contract; this package adapts it to
// the recall and indexing subsystem.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/notecortex/recall/internal/coordinator"
	"github.com/notecortex/recall/internal/recallctx"
)

// softDeadline bounds before_agent_start so a slow remote note store never
// blocks the user's prompt indefinitely.
const softDeadline = 8 * time.Second

// PromptEvent is the payload of before_agent_start.
type PromptEvent struct {
	Prompt  string
	Context string
}

// PromptResult is returned from before_agent_start. An empty value means
// "no context to prepend" — never an error to the gateway.
type PromptResult struct {
	PrependContext string
	RecalledDocs   int
}

// EndEvent is the payload of agent_end. The write/routing subsystem that
// consumes it is out of scope; recall only logs it for diagnostics.
type EndEvent struct {
	Success   bool
	Channel   string
	SessionID string
}

// Gateway adapts the coordinator's components to the three documented
// event hooks.
type Gateway struct {
	coord *coordinator.Coordinator
	log   zerolog.Logger
}

// New constructs a Gateway bound to an already-registered Coordinator.
func New(coord *coordinator.Coordinator, log zerolog.Logger) *Gateway {
	return &Gateway{coord: coord, log: log.With().Str("component", "gateway").Logger()}
}

// BeforeAgentStart is the recall entrypoint. It must always return within
// the soft deadline and never propagate an internal error to the caller;
// on any internal failure it returns a zero-value PromptResult.
func (g *Gateway) BeforeAgentStart(ctx context.Context, ev PromptEvent) PromptResult {
	ctx, cancel := context.WithTimeout(ctx, softDeadline)
	defer cancel()

	ch := make(chan PromptResult, 1)
	go func() {
		ch <- g.runRecall(ctx, ev)
	}()

	select {
	case result := <-ch:
		return result
	case <-ctx.Done():
		g.log.Warn().Msg("before_agent_start exceeded soft deadline")
		return PromptResult{}
	}
}

func (g *Gateway) runRecall(ctx context.Context, ev PromptEvent) (result PromptResult) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Msg("recall panicked, returning empty result")
			result = PromptResult{}
		}
	}()

	g.coord.EnsureInitialized(ctx)

	hasLinkedDoc := g.coord.LinkDoc.HasReference(ev.Prompt)
	decision := g.coord.Intent.Gate(ev.Prompt, hasLinkedDoc)
	if !decision.Should {
		g.log.Debug().Str("reason", decision.Reason).Msg("recall gated off")
		return PromptResult{}
	}

	prompt := ev.Prompt
	if decision.Reason == "explicit_force" {
		prompt = g.coord.Intent.StripForcePhrase(prompt)
	}

	refs := g.coord.LinkDoc.Resolve(ctx, ev.Prompt)

	if !g.coord.Config.Recall.Enabled {
		g.log.Debug().Msg("recall.enabled=false, emitting linked docs only")
	} else if g.coord.Retrieve != nil {
		it := g.coord.Intent.Analyze(prompt)
		res := g.coord.Retrieve.Retrieve(ctx, prompt, it)
		if res.Error == "" {
			rendered := recallctx.Format(&g.coord.Config.Recall, res.Docs, refs)
			return PromptResult{PrependContext: rendered, RecalledDocs: len(res.Docs)}
		}
	}

	if len(refs) > 0 {
		rendered := recallctx.Format(&g.coord.Config.Recall, nil, refs)
		return PromptResult{PrependContext: rendered, RecalledDocs: 0}
	}

	return PromptResult{}
}

// AgentEnd is the write entrypoint. The conversation write/routing
// subsystem is out of scope for this module; recall only logs the event.
func (g *Gateway) AgentEnd(ctx context.Context, ev EndEvent) {
	g.log.Debug().Bool("success", ev.Success).Str("channel", ev.Channel).Str("sessionId", ev.SessionID).
		Msg("agent_end received (write/routing out of scope)")
}

// CommandNew handles the session-reset hook, currently a no-op placeholder.
func (g *Gateway) CommandNew(ctx context.Context) {}
