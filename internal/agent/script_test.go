package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pilotagent/internal/cunit"
)

func TestRenderLaunchScriptSections(t *testing.T) {
	u := &cunit.Unit{
		UID:     "unit.000001",
		Workdir: t.TempDir(),
		Description: cunit.Description{
			PreExec:     []string{"module load gromacs"},
			PostExec:    []string{"rm -f scratch.dat"},
			Environment: map[string]string{"OMP_NUM_THREADS": "4"},
		},
	}

	path, err := renderLaunchScript(u, `/bin/echo "hi"`)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if path != filepath.Join(u.Workdir, launchScriptName) {
		t.Fatalf("script path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	script := string(data)

	for _, want := range []string{
		"#!/bin/sh\n",
		"cd \"" + u.Workdir + "\"\n",
		"module load gromacs\n",
		"export OMP_NUM_THREADS=\"4\"\n",
		"/bin/echo \"hi\"\nRETVAL=$?\n",
		"rm -f scratch.dat\n",
		"exit $RETVAL\n",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}

	// The command must come after pre-exec and before post-exec.
	if strings.Index(script, "module load") > strings.Index(script, "/bin/echo") {
		t.Fatal("pre-exec rendered after the command")
	}
	if strings.Index(script, "rm -f scratch") < strings.Index(script, "/bin/echo") {
		t.Fatal("post-exec rendered before the command")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&0o100 == 0 {
		t.Fatal("script is not executable")
	}
}

func TestSpawnEnvironmentReversesVirtualenv(t *testing.T) {
	t.Setenv("VIRTUAL_ENV", "/opt/ve")
	t.Setenv("PATH", "/opt/ve/bin:/usr/bin")
	t.Setenv("_OLD_VIRTUAL_PATH", "/usr/bin")
	t.Setenv("_OLD_VIRTUAL_PS1", "$ ")

	env := spawnEnvironment()

	got := make(map[string]string)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}

	if _, ok := got["VIRTUAL_ENV"]; ok {
		t.Fatal("VIRTUAL_ENV survived")
	}
	if _, ok := got["_OLD_VIRTUAL_PATH"]; ok {
		t.Fatal("venv marker survived")
	}
	if got["PATH"] != "/usr/bin" {
		t.Fatalf("PATH = %q, want restored /usr/bin", got["PATH"])
	}
	if got["PS1"] != "$ " {
		t.Fatalf("PS1 = %q", got["PS1"])
	}
}

func TestSpawnEnvironmentUntouchedWithoutVenv(t *testing.T) {
	t.Setenv("VIRTUAL_ENV", "")
	os.Unsetenv("VIRTUAL_ENV")
	t.Setenv("PATH", "/usr/bin:/bin")

	env := spawnEnvironment()
	found := false
	for _, kv := range env {
		if kv == "PATH=/usr/bin:/bin" {
			found = true
		}
	}
	if !found {
		t.Fatal("PATH was altered without an active virtualenv")
	}
}
