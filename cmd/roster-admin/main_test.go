package main

import (
	"os"
	"testing"

	"github.com/migadu/roster/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFatalfRunsDeferredCleanup(t *testing.T) {
	var closed bool
	code := func() (code int) {
		defer recoverExit(&code)
		defer func() { closed = true }()
		fatalf("Failed to do a thing: %v", "boom")
		return errors.ExitOK
	}()

	assert.Equal(t, errors.ExitFailure, code)
	assert.True(t, closed)
}

func TestExitCodeIsKept(t *testing.T) {
	code := func() (code int) {
		defer recoverExit(&code)
		exit(errors.ExitConfig)
		return errors.ExitOK
	}()
	assert.Equal(t, errors.ExitConfig, code)
}

func TestOtherPanicsPropagate(t *testing.T) {
	assert.PanicsWithValue(t, "unrelated", func() {
		var code int
		defer recoverExit(&code)
		panic("unrelated")
	})
}

func TestRunExitCodes(t *testing.T) {
	saved := os.Args
	t.Cleanup(func() { os.Args = saved })

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", []string{"roster-admin"}, errors.ExitFailure},
		{"unknown command", []string{"roster-admin", "frobnicate"}, errors.ExitFailure},
		{"missing required flags", []string{"roster-admin", "create-list"}, errors.ExitFailure},
		{"version", []string{"roster-admin", "version"}, errors.ExitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			assert.Equal(t, tt.want, run())
		})
	}
}
