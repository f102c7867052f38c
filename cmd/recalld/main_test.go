package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	for _, name := range []string{"serve", "mcp", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "Version:    dev")
	assert.Contains(t, buf.String(), "Commit:     unknown")
}

func TestWithSignals_IgnoresCancellation(t *testing.T) {
	err := withSignals(context.Background(), func(ctx context.Context) error {
		return context.Canceled
	})
	assert.NoError(t, err)

	boom := errors.New("listen tcp: address already in use")
	err = withSignals(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}
