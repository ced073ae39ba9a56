// Package debug implements the level-gated trace logging the connection,
// session, and link muxes use to narrate frame traffic without paying for
// it when nobody asked.
package debug

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

// level is read once from AMQP_DEBUG: 0 disables all tracing, higher
// values unlock progressively noisier Log calls.
var level = parseLevel(os.Getenv("AMQP_DEBUG"))

func parseLevel(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Log writes format/args to stderr if the configured trace level is at
// least l. Call sites pass levels 1 to 3; a higher level marks noisier
// output.
func Log(l int, format string, args ...any) {
	if l > level {
		return
	}
	log.Output(2, fmt.Sprintf(format, args...))
}
