package sqlite

import (
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// pragma is applied to every connection the pool opens.
type pragma struct{ name, value string }

// filePragmas configure on-disk journals. Every instrumented process
// writes the same file, so writers wait for each other rather than
// fail with SQLITE_BUSY.
var filePragmas = []pragma{
	{"journal_mode", "WAL"},
	{"busy_timeout", "5000"},
	{"synchronous", "NORMAL"},
}

// dsn appends pragmas to path as modernc.org/sqlite _pragma query
// parameters.
func dsn(path string, pragmas []pragma) string {
	if len(pragmas) == 0 {
		return path
	}
	parts := make([]string, len(pragmas))
	for i, p := range pragmas {
		parts[i] = "_pragma=" + p.name + "(" + p.value + ")"
	}
	return path + "?" + strings.Join(parts, "&")
}
