package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/attachproc/internal/manifest"
	"github.com/GriffinCanCode/attachproc/internal/types"
	"github.com/GriffinCanCode/attachproc/internal/version"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
}

func TestDiscoverListsCollectors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blame.collector.yaml"), []byte(`
uri: datacollector://microsoft/Blame/1.0
friendlyName: Blame
`), 0o644))

	out, _, err := run(t, "discover", "--log-level", "error", dir)
	require.NoError(t, err)

	var found []types.InvokedCollector
	require.NoError(t, sonic.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "Blame", found[0].FriendlyName)
}

func TestDiscoverRequiresDirectories(t *testing.T) {
	t.Setenv("EXTENSION_DIRS", "")
	require.NoError(t, os.Unsetenv("EXTENSION_DIRS"))
	_, _, err := run(t, "discover")
	assert.Error(t, err)
}

func TestProcessPassesThroughUnclaimedAttachments(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "a.dat")
	require.NoError(t, os.WriteFile(data, []byte("payload"), 0o644))

	extDir := filepath.Join(dir, "ext")
	require.NoError(t, os.MkdirAll(extDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(extDir, "blame.collector.yaml"), []byte(`
uri: datacollector://microsoft/Blame/1.0
friendlyName: Blame
`), 0o644))

	request := filepath.Join(dir, "request.json")
	require.NoError(t, os.WriteFile(request, []byte(`{
  "attachments": [{"uri": "datacollector://x/Custom", "display_name": "Custom", "attachments": [{"uri": "`+data+`"}]}]
}`), 0o644))

	settings := filepath.Join(dir, "run.runsettings")
	require.NoError(t, os.WriteFile(settings, []byte(`<RunSettings><DataCollectionRunSettings><DataCollectors/></DataCollectionRunSettings></RunSettings>`), 0o644))

	output := filepath.Join(dir, "result.json")
	manifestPath := filepath.Join(dir, "manifest.json")

	_, _, err := run(t, "process",
		"--log-level", "error",
		"--isolation", "inprocess",
		"--request", request,
		"--run-settings", settings,
		"--extensions-dir", extDir,
		"--output", output,
		"--manifest", manifestPath,
	)
	require.NoError(t, err)

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var res Result
	require.NoError(t, sonic.Unmarshal(raw, &res))
	assert.Equal(t, types.StateCompleted, res.State)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, "Custom", res.Attachments[0].DisplayName)

	m, err := manifest.Read(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, m.RunID)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, int64(len("payload")), m.Entries[0].Size)
}

func TestProcessRejectsInvalidRequest(t *testing.T) {
	request := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(request, []byte(`{"attachments": [{"uri": "relative"}]}`), 0o644))

	_, _, err := run(t, "process", "--log-level", "error", "--isolation", "inprocess", "--request", request)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid request")
}

func TestProcessRejectsUnknownIsolationMode(t *testing.T) {
	_, _, err := run(t, "process", "--isolation", "sideways")
	assert.Error(t, err)
}
