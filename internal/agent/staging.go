package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pilotagent/internal/cunit"
)

// stagingAreaName is the shared per-pilot staging directory, created under
// the agent sandbox.
const stagingAreaName = "staging_area"

// maxIOLogLength bounds the stdout/stderr tails attached to a unit's final
// state update.
const maxIOLogLength = 1024

// shortenedMarker prefixes a tail that was cut.
const shortenedMarker = "[... CONTENT SHORTENED ...]\n"

// errTransferUnsupported rejects agent-side Transfer directives; remote
// transfers belong to the external file-transfer worker.
var errTransferUnsupported = errors.New("'Transfer' staging is handled by the file transfer worker, not the agent")

// resolveStagingPath resolves a directive path: staging:// paths land in the
// shared staging area, relative paths in the unit sandbox, absolute paths
// stand as they are.
func (a *Agent) resolveStagingPath(u *cunit.Unit, path string) string {
	if rest, ok := strings.CutPrefix(path, cunit.StagingScheme); ok {
		return filepath.Join(a.stagingArea, rest)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(u.Workdir, path)
}

// runDirective performs one staging directive. The target's directory is
// created as needed.
func (a *Agent) runDirective(u *cunit.Unit, d *cunit.Directive) error {
	source := a.resolveStagingPath(u, d.Source)
	target := a.resolveStagingPath(u, d.Target)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating target directory for %s: %w", target, err)
	}

	switch d.Action {
	case cunit.ActionLink:
		if _, err := os.Stat(source); err != nil {
			return fmt.Errorf("link source %s: %w", source, err)
		}
		return os.Symlink(source, target)
	case cunit.ActionCopy:
		return copyFile(source, target)
	case cunit.ActionMove:
		return os.Rename(source, target)
	case cunit.ActionTransfer:
		return errTransferUnsupported
	default:
		return fmt.Errorf("unknown staging action %q", d.Action)
	}
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// runDirectives walks a directive list in order. The first failure marks
// the directive failed and stops; earlier directives keep their Done state.
func (a *Agent) runDirectives(u *cunit.Unit, directives []cunit.Directive) ([]cunit.Directive, error) {
	for i := range directives {
		d := &directives[i]
		if err := a.runDirective(u, d); err != nil {
			d.State = cunit.DirectiveFailed
			return directives, fmt.Errorf("%s %s -> %s: %w", d.Action, d.Source, d.Target, err)
		}
		d.State = cunit.DirectiveDone
	}
	return directives, nil
}

// tail shortens text to its last maxIOLogLength bytes, with a marker when
// content was dropped. Document stores bound field sizes; full output stays
// in the sandbox files.
func tail(text string) string {
	if len(text) <= maxIOLogLength {
		return text
	}
	return shortenedMarker + text[len(text)-maxIOLogLength:]
}
