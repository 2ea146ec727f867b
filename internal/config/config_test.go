package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hermit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
rules:
  - name: no-system-writes
    paths: ["/etc/**", "/usr/**"]
    operations: [write]
    decision: deny
  - name: quiet-tmp
    paths: ["/tmp/**"]
    decision: allow
    no_report: true
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Rules, 2)
	assert.Equal(t, "no-system-writes", f.Rules[0].Name)
	assert.Equal(t, []string{"write"}, f.Rules[0].Operations)
	assert.Equal(t, "deny", f.Rules[0].Decision)
	assert.True(t, f.Rules[1].NoReport)

	rules := f.ManifestRules()
	require.Len(t, rules, 2)
	assert.Equal(t, f.Rules[0].Paths, rules[0].Paths)
}

func TestLoadRejectsRuleWithoutPaths(t *testing.T) {
	path := writeConfig(t, `
rules:
  - name: broken
    decision: deny
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no paths")
}

func TestLoadRejectsUnknownDecision(t *testing.T) {
	path := writeConfig(t, `
rules:
  - name: broken
    paths: ["/x"]
    decision: maybe
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decision")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
