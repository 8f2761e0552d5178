package kfmt

import "gophervm/kernel"

var (
	// haltFn is invoked by Panic after printing the panic banner. Tests
	// replace it to observe the halt.
	haltFn = func(err error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the active output sink and
// halts. Panic is reserved for broken kernel invariants; it never returns
// unless a test replaced the halt hook.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}
