// Package prcycle resolves the cycle-mode policy and drives the
// post-completion pull-request cycle: open or refresh the PR, rebase
// through a short-lived conflict-resolution agent when needed, and
// merge. In hitl mode the workflow stops at awaiting_merge; in off mode
// nothing happens.
package prcycle

// Mode is the cycle policy for completed work.
type Mode string

const (
	// ModeAuto merges completed work without a human in the loop.
	ModeAuto Mode = "auto"
	// ModeHITL parks the workflow at awaiting_merge for a human.
	ModeHITL Mode = "hitl"
	// ModeOff leaves completed work alone.
	ModeOff Mode = "off"
)

// DefaultMode applies when no layer configures a cycle mode.
const DefaultMode = ModeHITL

// parse accepts a config value, returning ok=false for anything that is
// not a recognized mode.
func parse(v any) (Mode, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch Mode(s) {
	case ModeAuto, ModeHITL, ModeOff:
		return Mode(s), true
	}
	return "", false
}

// configMode digs pr.cycle out of a layered config blob. Both the
// nested {"pr": {"cycle": ...}} and the flat {"pr.cycle": ...} shapes
// are accepted.
func configMode(config map[string]any) (Mode, bool) {
	if config == nil {
		return "", false
	}
	if pr, ok := config["pr"].(map[string]any); ok {
		if m, ok := parse(pr["cycle"]); ok {
			return m, true
		}
	}
	if m, ok := parse(config["pr.cycle"]); ok {
		return m, true
	}
	return "", false
}

// ResolveInput carries the config layers consulted by Resolve. Nil
// layers are skipped.
type ResolveInput struct {
	CLI             string         // --cycle flag value, "" when unset
	WorkspaceConfig map[string]any // workspace.config
	WorkflowConfig  map[string]any // workflow.config
	FileConfig      map[string]any // .caw/config.json contents
}

// Resolve picks the effective cycle mode. Precedence is CLI, then
// workspace config, then workflow config, then the config file, then
// the default (hitl). Unrecognized values fall through to the next
// layer.
func Resolve(in ResolveInput) Mode {
	if m, ok := parse(in.CLI); ok {
		return m
	}
	if m, ok := configMode(in.WorkspaceConfig); ok {
		return m
	}
	if m, ok := configMode(in.WorkflowConfig); ok {
		return m
	}
	if m, ok := configMode(in.FileConfig); ok {
		return m
	}
	return DefaultMode
}
