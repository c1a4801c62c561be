package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	doc := []byte(`{
		"payload": {"filename": "eessi-2023.06-software-linux-x86_64-amd-zen2-1745557626.tar.gz", "sha256sum": "abc123"},
		"link2pr": {"repo": "EESSI/software-layer", "pr": 42},
		"uploader": {"username": "boegel"},
		"task": {"action": "update"}
	}`)

	m, err := ParseMetadata(doc)
	require.NoError(t, err)
	assert.Equal(t, "abc123", m.Payload.SHA256Sum)
	assert.Equal(t, ActionUpdate, m.Action())

	repo, pr := m.GroupKey()
	assert.Equal(t, "EESSI/software-layer", repo)
	assert.Equal(t, 42, pr)
}

func TestMetadataActionDefaultsToAdd(t *testing.T) {
	m, err := ParseMetadata([]byte(`{"payload":{"filename":"x"},"link2pr":{"repo":"a/b","pr":1}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, m.Action())
}

func TestParseActionUnknown(t *testing.T) {
	assert.Equal(t, ActionUnknown, ParseAction("rebuild"))
}

func TestFilenameRoundTrip(t *testing.T) {
	cases := []string{
		"eessi-2023.06-software-linux-x86_64-amd-zen2-1745557626.tar.gz.meta.txt",
		"eessi-2023.06-software-linux-x86_64-generic-1745557626.tar.gz.meta.txt",
		"eessi-2023.06-software-linux-aarch64-neoverse-n1-1745557626.tar.gz.meta.txt",
	}
	for _, name := range cases {
		f, err := ParseFilename(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, f.Format(), name)
	}
}

func TestParseFilenameRejectsMalformedInput(t *testing.T) {
	_, err := ParseFilename("not-a-valid-name")
	assert.Error(t, err)

	_, err = ParseFilename("eessi-2023.06-software-linux-x86_64-amd-zen2-notanumber.tar.gz")
	assert.Error(t, err)
}

func TestDataKeyAndSigKey(t *testing.T) {
	meta := "eessi-2023.06-software-linux-x86_64-amd-zen2-1745557626.tar.gz.meta.txt"
	assert.Equal(t, "eessi-2023.06-software-linux-x86_64-amd-zen2-1745557626.tar.gz", DataKey(meta, "meta.txt"))
	assert.Equal(t, meta+".sig", SigKey(meta, "sig"))
}
