package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"gophervm/kernel"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func(error)) {
		haltFn = origHaltFn
		outputSink = nil
	}(haltFn)

	var (
		buf       bytes.Buffer
		haltedErr error
	)

	haltFn = func(err error) {
		haltedErr = err
	}
	SetOutputSink(&buf)

	t.Run("with *kernel.Error", func(t *testing.T) {
		buf.Reset()
		err := &kernel.Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if haltedErr != err {
			t.Fatal("expected halt hook to receive the supplied error")
		}
	})

	t.Run("with error", func(t *testing.T) {
		buf.Reset()
		err := errors.New("go error")

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}
	})

	t.Run("with string", func(t *testing.T) {
		buf.Reset()

		Panic("string error")

		exp := "\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}
	})

	t.Run("without error", func(t *testing.T) {
		buf.Reset()

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if haltedErr != errRuntimePanic {
			t.Fatal("expected halt hook to receive errRuntimePanic")
		}
	})
}

func TestDefaultHaltPanics(t *testing.T) {
	defer func() {
		outputSink = nil
		if err := recover(); err == nil {
			t.Fatal("expected default halt hook to panic")
		}
	}()

	SetOutputSink(&bytes.Buffer{})
	Panic("boom")
}
