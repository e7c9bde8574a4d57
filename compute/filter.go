package compute

import (
	"github.com/frobware/go-propel"
)

// FilterPatches returns patches matching the predicate.
// Pure function.
func FilterPatches(
	patches []propel.PatchRecord,
	predicate func(propel.PatchRecord) bool,
) []propel.PatchRecord {
	var result []propel.PatchRecord
	for _, p := range patches {
		if predicate(p) {
			result = append(result, p)
		}
	}
	return result
}

// PatchesOf returns the patches made in process pid.
// Pure function.
func PatchesOf(patches []propel.PatchRecord, pid int) []propel.PatchRecord {
	return FilterPatches(patches, func(p propel.PatchRecord) bool {
		return p.Pid == pid
	})
}

// FilterInjections returns injections matching the predicate.
// Pure function.
func FilterInjections(
	injections []propel.InjectionRecord,
	predicate func(propel.InjectionRecord) bool,
) []propel.InjectionRecord {
	var result []propel.InjectionRecord
	for _, r := range injections {
		if predicate(r) {
			result = append(result, r)
		}
	}
	return result
}

// InjectionsInvolving returns the injections made by or into pid.
// Pure function.
func InjectionsInvolving(injections []propel.InjectionRecord, pid int) []propel.InjectionRecord {
	return FilterInjections(injections, func(r propel.InjectionRecord) bool {
		return r.LocalPid == pid || r.RemotePid == pid
	})
}
