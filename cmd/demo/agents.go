package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/loom/features/model/anthropic"
	"goa.design/loom/features/model/openai"
	"goa.design/loom/runtime/executor"
	"goa.design/loom/runtime/merge"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/plan"
)

// Token budget for the shared adaptive rate limiter, in tokens per minute.
const (
	defaultTPM = 60000
	maxTPM     = 240000
)

// buildModelClient selects the provider from the environment. The client is
// nil when no credentials are configured; the agent set then runs offline.
func buildModelClient(ctx context.Context) (model.Client, string) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		modelID := os.Getenv("ANTHROPIC_MODEL")
		if modelID == "" {
			modelID = "claude-3-5-sonnet-20241022"
		}
		client, err := anthropic.NewFromAPIKey(key, modelID)
		if err != nil {
			log.Fatal(ctx, err)
		}
		return client, "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		modelID := os.Getenv("OPENAI_MODEL")
		if modelID == "" {
			modelID = "gpt-4o"
		}
		client, err := openai.NewFromAPIKey(key, modelID)
		if err != nil {
			log.Fatal(ctx, err)
		}
		return client, "openai"
	}
	return nil, "offline"
}

// agentSet builds the dispatch table. With a model client every agent calls
// the provider with its own instructions; without one the offline agents
// fabricate deterministic files so the full pipeline still runs.
func agentSet(client model.Client) executor.AgentSet {
	prompts := map[plan.AgentID]string{
		plan.AgentScaffold:    "You scaffold the project: directory layout, entry points, build config.",
		plan.AgentPage:        "You build complete pages with real content, never placeholders.",
		plan.AgentInteraction: "You wire user interactions: forms, handlers, validation, feedback.",
		plan.AgentState:       "You design client state: stores, data flow, persistence.",
		plan.AgentStyle:       "You style components consistently against the design system.",
		plan.AgentQuality:     "You review generated code and fix correctness issues.",
		plan.AgentRepair:      "You repair failing tasks using the reported errors.",
		plan.AgentPlanner:     "You decompose the request into a dependency-ordered task plan.",
		plan.AgentArchitect:   "You make structural decisions: routing, module boundaries, data contracts.",
		plan.AgentResearch:    "You gather the context other agents need before they build.",
	}
	mk := func(id plan.AgentID) executor.Agent {
		if client == nil {
			return offlineAgent{id: id}
		}
		return executor.NewModelAgent(id, client, executor.WithSystemPrompt(prompts[id]))
	}
	return executor.AgentSet{
		Scaffold:    mk(plan.AgentScaffold),
		Page:        mk(plan.AgentPage),
		Interaction: mk(plan.AgentInteraction),
		State:       mk(plan.AgentState),
		Style:       mk(plan.AgentStyle),
		Quality:     mk(plan.AgentQuality),
		Repair:      mk(plan.AgentRepair),
		Planner:     mk(plan.AgentPlanner),
		Architect:   mk(plan.AgentArchitect),
		Research:    mk(plan.AgentResearch),
	}
}

// offlineAgent emits one deterministic file per task so the demo exercises
// scheduling, merging, and reflection without provider credentials.
type offlineAgent struct {
	id plan.AgentID
}

// Run implements executor.Agent.
func (a offlineAgent) Run(_ context.Context, inv executor.Invocation) ([]merge.Intent, error) {
	path := fmt.Sprintf("src/%s/%s.tsx", a.id, inv.Task.ID)
	content := fmt.Sprintf("export default function %s() {\n  return <section>%s output for %s</section>;\n}\n",
		exportName(inv.Task.ID), a.id, inv.Task.ID)
	return []merge.Intent{merge.NewIntent(inv.GroupID, inv.Task.ID, inv.Task.AgentID, path, content)}, nil
}

// exportName turns a task id into an identifier-shaped component name.
func exportName(taskID string) string {
	var b strings.Builder
	upper := true
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z':
			if upper {
				r -= 'a' - 'A'
			}
			b.WriteRune(r)
			upper = false
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			upper = false
		default:
			upper = true
		}
	}
	if b.Len() == 0 {
		return "Generated"
	}
	return b.String()
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct {
	rdb *redis.Client
}

// Name implements health.Pinger.
func (p redisPinger) Name() string { return "redis" }

// Ping implements health.Pinger.
func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
