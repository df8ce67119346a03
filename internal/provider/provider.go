// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider describes the CLI tools the gateway can drive and owns
// the registry that swaps between them.
package provider

import (
	"fmt"
	"sort"

	"github.com/relayforge/aibridge/internal/session"
)

// Definition declares how one provider CLI is spawned and driven. Definitions
// are static data; all runtime state lives in the session built from one.
type Definition struct {
	// Name is the registry key, e.g. "claude-cli".
	Name string

	Binary    string
	Args      []string
	ModelFlag string

	// ToolConfigFlag, when set, names the flag that passes an auxiliary
	// tool-config file (an MCP server manifest) to the CLI. The path itself
	// comes from deployment config; providers without the flag ignore it.
	ToolConfigFlag string

	// Persistent selects the long-lived stdin-driven session; otherwise a
	// fresh process is spawned per request.
	Persistent bool

	// AuthStatusArgs, when set, names a subcommand that exits non-zero when
	// the CLI is not authenticated.
	AuthStatusArgs []string

	// StripEnv lists environment variables removed from children, to avoid
	// the CLI detecting it is running under itself.
	StripEnv []string

	DefaultModel string
}

// Command builds the spawn spec for this definition.
func (d Definition) Command() session.Command {
	return session.Command{
		Binary:         d.Binary,
		Args:           append([]string(nil), d.Args...),
		ModelFlag:      d.ModelFlag,
		ToolConfigFlag: d.ToolConfigFlag,
		PromptAsArg:    !d.Persistent,
		StripEnv:       append([]string(nil), d.StripEnv...),
	}
}

// Builtins returns the provider definitions shipped with the gateway.
func Builtins() map[string]Definition {
	return map[string]Definition{
		"claude-cli": {
			Name:   "claude-cli",
			Binary: "claude",
			Args: []string{
				"--print",
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--dangerously-skip-permissions",
			},
			ModelFlag:      "--model",
			ToolConfigFlag: "--mcp-config",
			Persistent:     true,
			AuthStatusArgs: []string{"auth", "status"},
			StripEnv:       []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"},
			DefaultModel:   "sonnet",
		},
		"codex-cli": {
			Name:   "codex-cli",
			Binary: "codex",
			Args: []string{
				"exec",
				"--json",
				"--skip-git-repo-check",
			},
			ModelFlag:      "--model",
			Persistent:     false,
			AuthStatusArgs: []string{"login", "status"},
		},
	}
}

// Names lists the registered provider names, sorted.
func Names(defs map[string]Definition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a provider by name.
func Lookup(defs map[string]Definition, name string) (Definition, error) {
	def, ok := defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown provider %q (have %v)", name, Names(defs))
	}
	return def, nil
}
