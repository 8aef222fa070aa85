package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/logging"
)

// Runner executes approved tool calls against the injected collaborators.
// It owns argument normalization and result formatting; the collaborators
// do literal work only.
type Runner struct {
	FS          Filesystem
	Shell       Shell
	Agents      SubAgents
	ProjectRoot string

	// Generic handles tool names outside the built-in families. Optional;
	// when nil, unknown tools fail with ErrUnknownTool.
	Generic func(ctx context.Context, name string, args Args) (string, error)

	Log *logging.Logger
}

// Run dispatches a tool call by name. The returned string is the content of
// the tool-result message fed back to the model; a non-nil error marks the
// call failed.
func (r *Runner) Run(ctx context.Context, name string, args Args, attachToMessageID string) (string, error) {
	log := r.Log
	if log == nil {
		log = logging.Nop()
	}
	log.Debug().Str("tool", name).Msg("executing tool call")

	switch KindFor(name) {
	case KindFilesystem:
		return r.runFilesystem(name, args)
	case KindShell:
		return r.runShell(ctx, args)
	case KindAgent:
		return r.runAgent(ctx, args, attachToMessageID)
	default:
		if r.Generic != nil {
			return r.Generic(ctx, name, args)
		}
		return "", NewToolErrorf(ErrUnknownTool, "tool %s not implemented", name)
	}
}

func (r *Runner) runFilesystem(name string, args Args) (string, error) {
	if r.FS == nil {
		return "", NewToolError(ErrExecutionFailed, "no filesystem collaborator configured")
	}
	switch name {
	case ReadFileToolName:
		relPath := args.String("rel_path", "")
		if relPath == "" {
			return "", NewToolError(ErrInvalidParams, "rel_path is required")
		}
		return r.FS.Read(r.ProjectRoot, relPath)

	case WriteFileToolName:
		relPath := args.String("rel_path", "")
		if relPath == "" {
			return "", NewToolError(ErrInvalidParams, "rel_path is required")
		}
		content := UnescapeContent(args.String("content", ""))
		return r.FS.Write(r.ProjectRoot, relPath, content)

	case ListDirToolName:
		// Listing has a safe default; reads and writes do not.
		relPath := args.String("rel_path", ".")
		entries, err := r.FS.ListDir(r.ProjectRoot, relPath)
		if err != nil {
			return "", err
		}
		return strings.Join(entries, "\n"), nil

	case DeleteFileToolName:
		relPath := args.String("rel_path", "")
		if relPath == "" {
			return "", NewToolError(ErrInvalidParams, "rel_path is required")
		}
		if err := r.FS.Delete(r.ProjectRoot, relPath); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted %s.", relPath), nil
	}
	return "", NewToolErrorf(ErrUnknownTool, "unhandled filesystem tool: %s", name)
}

func (r *Runner) runShell(ctx context.Context, args Args) (string, error) {
	if r.Shell == nil {
		return "", NewToolError(ErrExecutionFailed, "no shell collaborator configured")
	}
	command := args.String("command", "")
	if command == "" {
		return "", NewToolError(ErrInvalidParams, "command is required")
	}
	workingDir := r.ProjectRoot
	if dir, ok := args.Optional("working_dir"); ok {
		workingDir = sanitizeWorkingDir(r.ProjectRoot, dir)
	}

	result, err := r.Shell.Execute(ctx, command, workingDir)
	if err != nil {
		return "", err
	}
	return FormatShellOutcome(command, workingDir, result), nil
}

func (r *Runner) runAgent(ctx context.Context, args Args, attachToMessageID string) (string, error) {
	if r.Agents == nil {
		return "", NewToolError(ErrExecutionFailed, "no sub-agent collaborator configured")
	}
	agentType := args.String("agent_type", "")
	instruction := args.String("instruction", "")
	if agentType == "" || instruction == "" {
		return "", NewToolError(ErrInvalidParams, "agent_type and instruction are required")
	}
	agentID, err := r.Agents.Launch(ctx, agentType, instruction, attachToMessageID)
	if err != nil {
		return "", err
	}
	// Collaborators that finish synchronously expose the output.
	if rp, ok := r.Agents.(interface{ Result(string) (string, bool) }); ok {
		if output, found := rp.Result(agentID); found {
			return fmt.Sprintf("Agent %s (id %s) finished:\n%s", agentType, agentID, output), nil
		}
	}
	return fmt.Sprintf("Delegated to %s agent (id: %s).", agentType, agentID), nil
}

// FormatShellOutcome classifies a shell result by exit code and renders it
// with an explicit status line, so the next generation round unambiguously
// knows whether the command succeeded. Raw output alone makes models
// re-issue already-successful long-running commands.
func FormatShellOutcome(command, workingDir string, result ShellResult) string {
	var b strings.Builder

	switch {
	case result.ExitCode == 0:
		fmt.Fprintf(&b, "Command '%s' executed successfully in %s.\n", command, workingDir)
	case result.ExitCode == -1:
		fmt.Fprintf(&b, "Command '%s' timed out in %s (exit code -1). If it is a long-running process it may still be starting.\n", command, workingDir)
	default:
		fmt.Fprintf(&b, "Command '%s' failed with exit code %d in %s.\n", command, result.ExitCode, workingDir)
	}

	stdout := strings.TrimRight(result.Stdout, "\n")
	stderr := strings.TrimRight(result.Stderr, "\n")
	if stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", stdout)
	}
	if stderr != "" {
		// Many tools (npm, git) report progress on stderr even on success;
		// hiding it makes the model think nothing happened and loop.
		fmt.Fprintf(&b, "stderr/logs:\n%s\n", stderr)
	}
	if stdout == "" && stderr == "" {
		b.WriteString("(No output produced)\n")
	}

	if DetectServerStartup(result.Stdout, result.Stderr) {
		b.WriteString("Note: a development server appears to be running in the background. It is already active - do not re-run this command.\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// serverStartupPatterns are log fragments emitted by common dev servers
// once they are up (Vite, webpack, Next.js, CRA, generic HTTP servers).
var serverStartupPatterns = []string{
	"local:",
	"network:",
	"ready in",
	"vite",
	"compiled successfully",
	"webpack compiled",
	"ready - started server on",
	"starting the development server",
	"you can now view",
	"server running",
	"listening on",
	"serving http on",
	"server started",
	"server is listening",
	"application is running",
	"localhost:",
}

// DetectServerStartup reports whether command output looks like a dev
// server that started and kept running. Best-effort pattern match.
func DetectServerStartup(stdout, stderr string) bool {
	combined := strings.ToLower(stdout + "\n" + stderr)
	for _, pattern := range serverStartupPatterns {
		if strings.Contains(combined, pattern) {
			return true
		}
	}
	return false
}
