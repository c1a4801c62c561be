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
	dir := t.TempDir()
	path := filepath.Join(dir, "automated_ingestion.cfg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
[secrets]
aws_access_key_id = AKIA123
aws_secret_access_key = secret
github_pat = ghp_token

[aws]
staging_buckets = {"eessi-staging": "eessi.io"}

[paths]
download_dir = /tmp/downloads
ingestion_script = /opt/ingest.sh
metadata_file_extension = meta.txt

[github]
staging_repo = EESSI/staging
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "AKIA123", cfg.Secrets.AWSAccessKeyID)
	assert.Equal(t, map[string]string{"eessi-staging": "eessi.io"}, cfg.AWS.StagingBuckets)
	assert.Equal(t, PRMethodIndividual, cfg.GitHub.StagingPRMethod)
	assert.True(t, cfg.CVMFS.IngestAsRoot)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, "[secrets]\naws_access_key_id = x\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws_secret_access_key")
	assert.Contains(t, err.Error(), "aws.staging_buckets")
}

func TestLoadInvalidStagingPRMethod(t *testing.T) {
	body := validConfig + "staging_pr_method = sideways\n"
	path := writeConfig(t, body)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging_pr_method")
}

func TestLoadRejectsMalformedStagingBucketsJSON(t *testing.T) {
	body := `
[secrets]
aws_access_key_id = x
aws_secret_access_key = y
github_pat = z

[aws]
staging_buckets = not-json

[paths]
download_dir = /tmp
ingestion_script = /bin/true
metadata_file_extension = meta.txt

[github]
staging_repo = a/b
`
	path := writeConfig(t, body)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging_buckets")
}

func TestLoadGroupedPRMethod(t *testing.T) {
	body := validConfig + "staging_pr_method = grouped\n"
	path := writeConfig(t, body)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PRMethodGrouped, cfg.GitHub.StagingPRMethod)
}

func TestAWSVerifyTLS(t *testing.T) {
	cases := []struct {
		raw        string
		wantVerify bool
		wantCA     string
	}{
		{"", true, ""},
		{"true", true, ""},
		{"false", false, ""},
		{"/etc/ssl/custom.pem", true, "/etc/ssl/custom.pem"},
	}
	for _, c := range cases {
		a := AWS{VerifyCertPath: c.raw}
		verify, ca := a.VerifyTLS()
		assert.Equal(t, c.wantVerify, verify, c.raw)
		assert.Equal(t, c.wantCA, ca, c.raw)
	}
}
