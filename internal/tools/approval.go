package tools

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ApprovalPolicy decides which tool calls may run without a human decision.
// Everything it does not auto-approve stays pending until the user acts.
type ApprovalPolicy struct {
	// AutoApproveAll short-circuits every decision. Meant for scripted or
	// sub-agent sessions, not interactive use.
	AutoApproveAll bool

	// ApproveReadOnly auto-approves tools that cannot mutate state.
	ApproveReadOnly bool

	shellGlobs []glob.Glob
}

// NewApprovalPolicy compiles the shell allowlist patterns. Patterns use
// glob syntax and are matched against the full command string, e.g.
// "git status*", "npm run lint", "ls*".
func NewApprovalPolicy(autoApproveAll, approveReadOnly bool, shellAllowlist []string) (*ApprovalPolicy, error) {
	p := &ApprovalPolicy{
		AutoApproveAll:  autoApproveAll,
		ApproveReadOnly: approveReadOnly,
	}
	for _, pattern := range shellAllowlist {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile shell allowlist pattern %q: %w", pattern, err)
		}
		p.shellGlobs = append(p.shellGlobs, g)
	}
	return p, nil
}

// AutoApproves reports whether the named tool call may run immediately.
func (p *ApprovalPolicy) AutoApproves(name string, args Args) bool {
	if p == nil {
		return false
	}
	if p.AutoApproveAll {
		return true
	}
	switch KindFor(name) {
	case KindFilesystem:
		return p.ApproveReadOnly && !Mutating(name)
	case KindShell:
		return p.shellAllowed(args.String("command", ""))
	default:
		return false
	}
}

func (p *ApprovalPolicy) shellAllowed(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	for _, g := range p.shellGlobs {
		if g.Match(command) {
			return true
		}
	}
	return false
}
