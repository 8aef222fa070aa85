// Package tools routes approved tool calls to their executing collaborators
// and normalizes model-supplied arguments before anything touches the
// filesystem or a shell.
package tools

import (
	"context"
	"fmt"

	"github.com/loomlabs/loom/internal/llm"
)

// Tool names the engine routes on. The shell aliases all reach the same
// executor; models are inconsistent about which one they emit.
const (
	ReadFileToolName   = "agent_read_file"
	WriteFileToolName  = "agent_write_file"
	ListDirToolName    = "agent_list_dir"
	DeleteFileToolName = "agent_delete_file"

	BashToolName          = "bash"
	RunShellToolName      = "agent_run_shell_command"
	ExecuteCmdToolName    = "agent_execute_command"
	DelegateAgentToolName = "agent_delegate"
)

// Kind buckets a tool name into its executor family.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindShell      Kind = "shell"
	KindAgent      Kind = "agent"
	KindGeneric    Kind = "generic"
)

// KindFor classifies a tool name. Unrecognized names are generic.
func KindFor(name string) Kind {
	switch name {
	case ReadFileToolName, WriteFileToolName, ListDirToolName, DeleteFileToolName:
		return KindFilesystem
	case BashToolName, RunShellToolName, ExecuteCmdToolName:
		return KindShell
	case DelegateAgentToolName:
		return KindAgent
	default:
		return KindGeneric
	}
}

// Mutating reports whether a tool can change the filesystem or run
// commands, i.e. requires approval before execution.
func Mutating(name string) bool {
	switch KindFor(name) {
	case KindShell, KindAgent:
		return true
	case KindFilesystem:
		return name == WriteFileToolName || name == DeleteFileToolName
	}
	return false
}

// Filesystem is the file I/O collaborator. It does literal I/O with no
// normalization of its own; callers are responsible for argument cleanup.
type Filesystem interface {
	Write(rootPath, relPath, content string) (string, error)
	Read(rootPath, relPath string) (string, error)
	ListDir(rootPath, relPath string) ([]string, error)
	Delete(rootPath, relPath string) error
}

// ShellResult is the raw outcome of one command execution.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell is the command execution collaborator.
type Shell interface {
	Execute(ctx context.Context, command, workingDir string) (ShellResult, error)
}

// SubAgents is the delegated-agent collaborator. The engine only launches
// tasks and forwards approvals; execution detail lives elsewhere.
type SubAgents interface {
	Launch(ctx context.Context, agentType, instruction, attachToMessageID string) (string, error)
	ApproveAction(ctx context.Context, agentID string, approved bool) error
}

// RetrievalResult is project context assembled for one user turn.
type RetrievalResult struct {
	Context    string
	References []string
}

// Retrieval is the project-context collaborator, consulted once per user turn.
type Retrieval interface {
	BuildContext(ctx context.Context, query, rootPath string) (RetrievalResult, error)
}

// ErrorType provides machine-readable tool failure codes.
type ErrorType string

const (
	ErrInvalidParams    ErrorType = "INVALID_PARAMS"
	ErrFileNotFound     ErrorType = "FILE_NOT_FOUND"
	ErrExecutionFailed  ErrorType = "EXECUTION_FAILED"
	ErrPermissionDenied ErrorType = "PERMISSION_DENIED"
	ErrUnknownTool      ErrorType = "UNKNOWN_TOOL"
)

// ToolError carries a typed code so failures fed back to the model are
// actionable rather than opaque.
type ToolError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolError creates a ToolError.
func NewToolError(t ErrorType, msg string) *ToolError {
	return &ToolError{Type: t, Message: msg}
}

// NewToolErrorf creates a ToolError with a formatted message.
func NewToolErrorf(t ErrorType, format string, args ...any) *ToolError {
	return &ToolError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Specs returns the tool specs advertised to the model for the built-in
// executors.
func Specs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        ReadFileToolName,
			Description: "Read a file relative to the project root.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"rel_path": map[string]any{
						"type":        "string",
						"description": "Path relative to the project root",
					},
				},
				"required": []string{"rel_path"},
			},
		},
		{
			Name:        WriteFileToolName,
			Description: "Create or overwrite a file with the given content. Creates parent directories if needed.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"rel_path": map[string]any{
						"type":        "string",
						"description": "Path relative to the project root",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full file content to write",
					},
				},
				"required": []string{"rel_path", "content"},
			},
		},
		{
			Name:        ListDirToolName,
			Description: "List entries of a directory relative to the project root.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"rel_path": map[string]any{
						"type":        "string",
						"description": "Directory path relative to the project root (default: project root)",
					},
				},
			},
		},
		{
			Name:        DeleteFileToolName,
			Description: "Delete a file relative to the project root.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"rel_path": map[string]any{
						"type":        "string",
						"description": "Path relative to the project root",
					},
				},
				"required": []string{"rel_path"},
			},
		},
		{
			Name:        BashToolName,
			Description: "Execute a shell command in the project. Returns stdout, stderr, and exit code.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Shell command to execute",
					},
					"working_dir": map[string]any{
						"type":        "string",
						"description": "Working directory relative to the project root (default: project root)",
					},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        DelegateAgentToolName,
			Description: "Delegate a task to a specialized sub-agent.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_type": map[string]any{
						"type":        "string",
						"description": "Kind of agent to launch",
					},
					"instruction": map[string]any{
						"type":        "string",
						"description": "Task instruction for the agent",
					},
				},
				"required": []string{"agent_type", "instruction"},
			},
		},
	}
}
