package agent

import (
	"pilotagent/internal/cunit"
)

// blowup multiplies a unit into clones at a pipeline stage, and drops clones
// at stages configured to do so. With factor 1 and no drop flags — the
// production setting — the input unit passes through untouched.
//
// The original unit is always appended last, so its state never advances
// ahead of its clones' on the next queue.
func (a *Agent) blowup(u *cunit.Unit, component string) []*cunit.Unit {
	if !a.cfg.Profile {
		return []*cunit.Unit{u}
	}

	if a.cfg.Blowup.DropFor(component) && u.IsClone() {
		a.profiler.Event("drop clone "+component, u.UID, "")
		return nil
	}

	factor := a.cfg.Blowup.FactorFor(component)
	units := make([]*cunit.Unit, 0, factor)
	for idx := 1; idx < factor; idx++ {
		clone := u.Clone(idx)
		a.profiler.Event("cloned unit "+component, clone.UID, "")
		units = append(units, clone)
	}
	return append(units, u)
}

// blowupAll applies blowup to a batch, preserving order.
func (a *Agent) blowupAll(units []*cunit.Unit, component string) []*cunit.Unit {
	if !a.cfg.Profile {
		return units
	}
	var out []*cunit.Unit
	for _, u := range units {
		out = append(out, a.blowup(u, component)...)
	}
	return out
}
