package navigator

import (
	"strings"

	"github.com/kingrea/flow/internal/workflow/engine"
)

// Namespaced applies the agent namespace policy to one agent id. Empty ids,
// ids already starting with "@", and an empty namespace pass through.
func Namespaced(ns, agent string) string {
	agent = strings.TrimSpace(agent)
	if ns == "" || agent == "" || strings.HasPrefix(agent, "@") {
		return agent
	}
	return "@" + ns + ":" + agent
}

func (n *Navigator) applyNamespace(resp *engine.Response) {
	if n.namespace == "" {
		return
	}
	resp.Step.Agent = Namespaced(n.namespace, resp.Step.Agent)
	if resp.Fork == nil {
		return
	}
	for i := range resp.Fork.Branches {
		b := &resp.Fork.Branches[i]
		b.EntryStep.Agent = Namespaced(n.namespace, b.EntryStep.Agent)
	}
}
