package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pilotagent/internal/cunit"
	"pilotagent/internal/launch"
)

// launchScriptName is the rendered script in each unit sandbox.
const launchScriptName = "launch_script.sh"

// renderLaunchScript writes the unit's launch script: shebang, cd into the
// sandbox, pre-exec lines, environment exports, the launch command, post-exec
// lines. The script exits with the launch command's exit code so post-exec
// failures do not mask the unit's own result.
func renderLaunchScript(u *cunit.Unit, command string) (string, error) {
	var b strings.Builder

	b.WriteString("#!/bin/sh\n\n")
	fmt.Fprintf(&b, "cd %s\n", launch.Quote(u.Workdir))

	if len(u.Description.PreExec) > 0 {
		b.WriteString("\n# pre-exec\n")
		for _, line := range u.Description.PreExec {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	if len(u.Description.Environment) > 0 {
		b.WriteString("\n# environment\n")
		for _, k := range sortedKeys(u.Description.Environment) {
			fmt.Fprintf(&b, "export %s=%s\n", k, launch.Quote(u.Description.Environment[k]))
		}
	}

	b.WriteString("\n")
	b.WriteString(command)
	b.WriteString("\nRETVAL=$?\n")

	if len(u.Description.PostExec) > 0 {
		b.WriteString("\n# post-exec\n")
		for _, line := range u.Description.PostExec {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	b.WriteString("\nexit $RETVAL\n")

	// Clones materialized past ingest bring a sandbox path that was never
	// created; make sure it exists before writing into it.
	if err := os.MkdirAll(u.Workdir, 0o755); err != nil {
		return "", fmt.Errorf("creating sandbox: %w", err)
	}
	path := filepath.Join(u.Workdir, launchScriptName)
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", fmt.Errorf("writing launch script: %w", err)
	}
	return path, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// spawnEnvironment builds the environment for unit processes. The agent
// itself usually runs inside a virtualenv set up by the bootstrapper; units
// must see the login environment instead, so any active virtualenv mutation
// is reversed.
func spawnEnvironment() []string {
	restore := map[string]string{
		"_OLD_VIRTUAL_PATH":       "PATH",
		"_OLD_VIRTUAL_PYTHONHOME": "PYTHONHOME",
		"_OLD_VIRTUAL_PS1":        "PS1",
	}

	inVenv := os.Getenv("VIRTUAL_ENV") != ""

	var env []string
	overrides := make(map[string]string)
	if inVenv {
		for marker, orig := range restore {
			if v, ok := os.LookupEnv(marker); ok {
				overrides[orig] = v
			}
		}
	}

	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if k == "VIRTUAL_ENV" && inVenv {
			continue
		}
		if _, isMarker := restore[k]; isMarker {
			continue
		}
		if v, ok := overrides[k]; ok {
			env = append(env, k+"="+v)
			delete(overrides, k)
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
