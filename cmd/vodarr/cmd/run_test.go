package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBatchCommand() *cobra.Command {
	c := &cobra.Command{Use: "test"}
	addBatchFlags(c)
	return c
}

func TestBatchOverrides_OnlyChangedFlags(t *testing.T) {
	c := newBatchCommand()
	require.NoError(t, c.ParseFlags([]string{
		"--input", "/in",
		"--parallel", "4",
		"--no-audio",
		"--no-rename",
	}))

	o := batchOverrides(c.Flags())

	assert.Equal(t, map[string]any{
		"input_folder":                "/in",
		"max_parallel_jobs":           4,
		"ffmpeg_params.include_audio": false,
		"auto_rename_files":           false,
	}, o)
}

func TestBatchOverrides_Empty(t *testing.T) {
	c := newBatchCommand()
	require.NoError(t, c.ParseFlags(nil))

	assert.Empty(t, batchOverrides(c.Flags()))
}

func TestBatchOverrides_EncoderFlags(t *testing.T) {
	c := newBatchCommand()
	require.NoError(t, c.ParseFlags([]string{
		"--encoder", "libx265",
		"--preset", "slow",
		"--tune", "animation",
		"--fps", "30",
		"--organize",
	}))

	o := batchOverrides(c.Flags())

	assert.Equal(t, "libx265", o["ffmpeg_params.video_encoder"])
	assert.Equal(t, "slow", o["ffmpeg_params.preset"])
	assert.Equal(t, "animation", o["ffmpeg_params.tune"])
	assert.Equal(t, 30, o["ffmpeg_params.fps"])
	assert.Equal(t, true, o["auto_organize_folders"])
}

func TestBatchOverrides_ExplicitFalse(t *testing.T) {
	c := newBatchCommand()
	require.NoError(t, c.ParseFlags([]string{"--organize=false"}))

	o := batchOverrides(c.Flags())
	assert.Equal(t, false, o["auto_organize_folders"])
}
