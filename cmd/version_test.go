package cmd

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/aaronson2012/grok/grok"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	version, commit, built := grok.Version, grok.CommitSHA, grok.BuildTime
	t.Cleanup(
		func() {
			grok.Version, grok.CommitSHA, grok.BuildTime = version, commit, built
			versionShort = false
		},
	)
	grok.Version = "20250101"
	grok.CommitSHA = "abc123"
	grok.BuildTime = "2025-01-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)
	assert.Equal(
		t,
		"grok 20250101\ncommit: abc123\nbuilt: 2025-01-01T12:00:00Z\ngo: "+
			runtime.Version()+" "+runtime.GOOS+"/"+runtime.GOARCH+"\n",
		out.String(),
	)

	out.Reset()
	require.NoError(t, versionCmd.Flags().Set("short", "true"))
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "20250101\n", out.String())
}
