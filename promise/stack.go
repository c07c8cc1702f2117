package promise

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/actmd/selenium/env"
)

// LongStackTraces enables capturing a stack snapshot at each task creation
// site. When on, rejections crossing a task boundary are annotated with the
// chain of tasks that scheduled them. Seeded from the
// SELENIUM_PROMISE_LONG_STACK_TRACES environment variable.
var LongStackTraces = env.LookupBool(env.Lookup, env.LongStackTraces, false)

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// captureSite records the scheduling call site of a task. Returns nil when
// long stack traces are off.
func captureSite(desc string) error {
	if !LongStackTraces {
		return nil
	}
	return pkgerrors.New(desc)
}

// longStackError carries a rejection reason together with the chain of task
// scheduling sites it crossed.
type longStackError struct {
	err   error
	chain []string
}

func (e *longStackError) Error() string {
	var b strings.Builder
	b.WriteString(e.err.Error())
	for _, entry := range e.chain {
		b.WriteString("\nFrom: Task: ")
		b.WriteString(entry)
	}
	return b.String()
}

func (e *longStackError) Unwrap() error { return e.err }

// annotateRejection decorates a task rejection with the task chain. It is a
// no-op unless long stack traces are on. Reasons of promises with no owning
// flow are never decorated.
func annotateRejection(err error, t *task) error {
	if !LongStackTraces || err == nil || t == nil {
		return err
	}
	entry := t.desc
	if st, ok := t.site.(stackTracer); ok {
		entry = fmt.Sprintf("%s%+v", t.desc, st.StackTrace())
	}
	if prev, ok := err.(*longStackError); ok {
		return &longStackError{err: prev.err, chain: append(append([]string{}, prev.chain...), entry)}
	}
	return &longStackError{err: err, chain: []string{entry}}
}
