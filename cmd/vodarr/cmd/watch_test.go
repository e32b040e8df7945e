package cmd

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWatchCommand() *cobra.Command {
	c := &cobra.Command{Use: "test"}
	addBatchFlags(c)
	c.Flags().Duration("debounce", 2*time.Second, "")
	c.Flags().String("schedule", "", "")
	c.Flags().String("listen", "", "")
	return c
}

func TestWatchOverrides(t *testing.T) {
	c := newWatchCommand()
	require.NoError(t, c.ParseFlags([]string{
		"--debounce", "500ms",
		"--schedule", "0 0 2 * * *",
		"--listen", "127.0.0.1:9000",
	}))

	o, err := watchOverrides(c.Flags())
	require.NoError(t, err)

	assert.Equal(t, true, o["watch.enabled"])
	assert.Equal(t, "500ms", o["watch.debounce"])
	assert.Equal(t, "0 0 2 * * *", o["watch.schedule"])
	assert.Equal(t, true, o["api.enabled"])
	assert.Equal(t, "127.0.0.1", o["api.host"])
	assert.Equal(t, 9000, o["api.port"])
}

func TestWatchOverrides_ListenAllInterfaces(t *testing.T) {
	c := newWatchCommand()
	require.NoError(t, c.ParseFlags([]string{"--listen", ":8585"}))

	o, err := watchOverrides(c.Flags())
	require.NoError(t, err)

	assert.Equal(t, true, o["api.enabled"])
	assert.Equal(t, "", o["api.host"])
	assert.Equal(t, 8585, o["api.port"])
}

func TestWatchOverrides_InvalidListen(t *testing.T) {
	c := newWatchCommand()
	require.NoError(t, c.ParseFlags([]string{"--listen", "8585"}))

	_, err := watchOverrides(c.Flags())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --listen address")
}

func TestWatchOverrides_DefaultsStayOut(t *testing.T) {
	c := newWatchCommand()
	require.NoError(t, c.ParseFlags(nil))

	o, err := watchOverrides(c.Flags())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"watch.enabled": true}, o)
}
