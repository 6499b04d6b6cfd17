package tools

import "path"

// Decision is the policy's verdict for one tool call.
type Decision string

const (
	// DecisionAllow runs the tool without asking.
	DecisionAllow Decision = "allow"
	// DecisionConfirm suspends the turn until a human approves.
	DecisionConfirm Decision = "confirm"
)

// Policy decides which tool calls need human confirmation. Patterns use glob
// syntax; auto-approve patterns win over confirmation patterns, so a broad
// "mcp_*" confirmation rule can carve out trusted tools.
type Policy struct {
	requireConfirmation []string
	autoApprove         []string
	// toolDefaults confirms tools that declared themselves dangerous,
	// independent of the configured globs.
	toolDefaults map[string]bool
}

// NewPolicy builds a policy from confirmation and auto-approve glob lists.
func NewPolicy(requireConfirmation, autoApprove []string) *Policy {
	return &Policy{
		requireConfirmation: requireConfirmation,
		autoApprove:         autoApprove,
	}
}

// WithToolDefaults returns a policy that also confirms the registry's tools
// that declare a confirmation default, so dangerous tools interrupt even on
// an empty configuration. Auto-approve globs still carve tools out.
func (p *Policy) WithToolDefaults(registry *Registry) *Policy {
	out := &Policy{toolDefaults: map[string]bool{}}
	if p != nil {
		out.requireConfirmation = p.requireConfirmation
		out.autoApprove = p.autoApprove
	}
	for _, t := range registry.List() {
		if dc, ok := t.(DefaultConfirmer); ok && dc.RequiresConfirmationDefault() {
			out.toolDefaults[t.Name()] = true
		}
	}
	return out
}

// Decide returns the verdict for a tool name.
func (p *Policy) Decide(toolName string) Decision {
	if p == nil {
		return DecisionAllow
	}
	if matchAny(p.autoApprove, toolName) {
		return DecisionAllow
	}
	if matchAny(p.requireConfirmation, toolName) {
		return DecisionConfirm
	}
	if p.toolDefaults[toolName] {
		return DecisionConfirm
	}
	return DecisionAllow
}

// RequiresConfirmation reports whether any of the calls need a human.
func (p *Policy) RequiresConfirmation(toolNames []string) bool {
	for _, name := range toolNames {
		if p.Decide(name) == DecisionConfirm {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
