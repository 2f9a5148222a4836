package admission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadPolicies(t *testing.T) {
	path := writePolicyFile(t, `
default:
  max_connections: 8
  max_concurrent: 3
pixeldrain.com:
  max_connections: 2
  max_concurrent: 1
  use_alternate_engine: true
  extra_headers:
    Referer: https://pixeldrain.com/
archive.org:
  max_connections: 4
  max_concurrent: 2
  ignore_tls_verification: true
  accept_non_ranged: true
`)
	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 3)

	assert.Equal(t, 8, policies["default"].MaxConnections)
	assert.Equal(t, 3, policies["default"].MaxConcurrent)

	pd := policies["pixeldrain.com"]
	assert.True(t, pd.UseAlternateEngine)
	assert.Equal(t, "https://pixeldrain.com/", pd.ExtraHeaders["Referer"])

	ar := policies["archive.org"]
	assert.True(t, ar.IgnoreTLSVerification)
	assert.True(t, ar.AcceptNonRanged)
}

func TestLoadPoliciesFillsMissingDefault(t *testing.T) {
	path := writePolicyFile(t, `
slowhost.net:
  max_connections: 1
  max_concurrent: 1
`)
	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	def, ok := policies[DefaultPolicyKey]
	require.True(t, ok, "default entry must always exist")
	assert.Equal(t, DefaultPolicies()[DefaultPolicyKey], def)
}

func TestLoadPoliciesClampsZeroLimits(t *testing.T) {
	path := writePolicyFile(t, `
badhost.io:
  max_connections: 0
  max_concurrent: -2
`)
	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	assert.Equal(t, 1, policies["badhost.io"].MaxConnections)
	assert.Equal(t, 1, policies["badhost.io"].MaxConcurrent)
}

func TestLoadPoliciesErrors(t *testing.T) {
	_, err := LoadPolicies(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := writePolicyFile(t, "not: [valid: yaml")
	_, err = LoadPolicies(path)
	assert.Error(t, err)
}
