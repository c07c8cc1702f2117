// Package env defines the environment variables the scheduler reads and
// lookup helpers for them.
package env

import (
	"os"
	"strconv"
)

const (
	// LongStackTraces enables capturing a stack snapshot at each task
	// creation site and annotating rejections with the scheduling chain.
	LongStackTraces = "SELENIUM_PROMISE_LONG_STACK_TRACES"

	// BreakpointServerURL is the websocket URL of a breakpoint server the
	// scheduler should report to before running matching tasks.
	// Example: SELENIUM_FLOW_BREAKPOINT_SERVER_URL=ws://localhost:8080/breakpoint
	BreakpointServerURL = "SELENIUM_FLOW_BREAKPOINT_SERVER_URL"

	// TracesOutput is the OTLP/HTTP endpoint task spans are exported to.
	TracesOutput = "SELENIUM_TRACES_OUTPUT"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc, backed by os.LookupEnv.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// LookupBool returns the boolean value of the environment variable key, and
// the default value if it is unset or unparsable.
func LookupBool(lookup LookupFunc, key string, def bool) bool {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
