// Package compute contains pure functions for business logic.
// Functions in this package perform no I/O - they plan jumps, encode
// code and turn journal state into actions.
package compute

import (
	"slices"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/action"
)

// StalePids returns, in ascending order, the pids named by journal
// records whose process is no longer alive. For injections both ends
// count. Pure function.
func StalePids(
	patches []propel.PatchRecord,
	injections []propel.InjectionRecord,
	alive func(pid int) bool,
) []int {
	seen := make(map[int]bool)
	var stale []int
	check := func(pid int) {
		if pid <= 0 || seen[pid] {
			return
		}
		seen[pid] = true
		if !alive(pid) {
			stale = append(stale, pid)
		}
	}
	for _, p := range patches {
		check(p.Pid)
	}
	for _, r := range injections {
		check(r.LocalPid)
		check(r.RemotePid)
	}
	slices.Sort(stale)
	return stale
}

// ReconcileActions computes the actions that drop the patch records of
// processes that are no longer alive. The patched code went away with
// the process, so only the journal entries remain. Pure function.
func ReconcileActions(patches []propel.PatchRecord, alive func(pid int) bool) []action.Action {
	status := make(map[int]bool)
	var actions []action.Action
	for _, p := range patches {
		live, ok := status[p.Pid]
		if !ok {
			live = alive(p.Pid)
			status[p.Pid] = live
		}
		if !live {
			actions = append(actions, action.DeletePatch{Pid: p.Pid, Addr: p.Addr})
		}
	}
	return actions
}
