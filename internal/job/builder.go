package job

import (
	"path"
)

// Builder assembles a Job. It is a value type: every With method returns a
// modified copy, so a base builder can be shared by several deposit steps.
//
// Two flavours exist:
//   - NewToolBuilder runs a binary from a tool install, resolved by tool name
//   - NewCommandBuilder runs one fixed local command with the tool name as first argument
type Builder struct {
	installDir string
	binaries   map[string]string
	command    string
	args       []string
	dir        string
	env        map[string]string
}

// NewToolBuilder returns a builder that resolves tool names through binaries
// and runs them from <installDir>/bin. Unmapped tools run under their own name.
func NewToolBuilder(installDir string, binaries map[string]string) Builder {
	b := Builder{installDir: installDir, binaries: make(map[string]string, len(binaries))}
	for k, v := range binaries {
		b.binaries[k] = v
	}
	return b
}

// NewCommandBuilder returns a builder that always runs command.
func NewCommandBuilder(command string) Builder {
	return Builder{command: command}
}

// WithArg appends a named argument rendered as "-name value".
func (b Builder) WithArg(name, value string) Builder {
	b.args = appendCopy(b.args, "-"+name, value)
	return b
}

// WithFlag appends a bare "-name" switch.
func (b Builder) WithFlag(name string) Builder {
	b.args = appendCopy(b.args, "-"+name)
	return b
}

// WithPositional appends values verbatim.
func (b Builder) WithPositional(values ...string) Builder {
	b.args = appendCopy(b.args, values...)
	return b
}

func (b Builder) WithWorkingDir(dir string) Builder {
	b.dir = dir
	return b
}

// WithEnv sets one process parameter.
func (b Builder) WithEnv(key, value string) Builder {
	env := make(map[string]string, len(b.env)+1)
	for k, v := range b.env {
		env[k] = v
	}
	env[key] = value
	b.env = env
	return b
}

// CreateJob yields an immutable job of type toolName.
func (b Builder) CreateJob(id ID, toolName string) Job {
	command, args := b.resolve(toolName)
	j := Job{
		id:      id,
		jobType: toolName,
		command: command,
		args:    args,
		dir:     b.dir,
		env:     make(map[string]string, len(b.env)),
	}
	for k, v := range b.env {
		j.env[k] = v
	}
	return j
}

func (b Builder) resolve(toolName string) (string, []string) {
	if b.command != "" {
		args := make([]string, 0, len(b.args)+1)
		args = append(args, toolName)
		return b.command, append(args, b.args...)
	}

	binary := toolName
	if mapped, ok := b.binaries[toolName]; ok && mapped != "" {
		binary = mapped
	}
	command := binary
	if b.installDir != "" && !path.IsAbs(binary) {
		command = path.Join(b.installDir, "bin", binary)
	}
	args := make([]string, len(b.args))
	copy(args, b.args)
	return command, args
}

func appendCopy(base []string, values ...string) []string {
	out := make([]string, 0, len(base)+len(values))
	out = append(out, base...)
	return append(out, values...)
}
