package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/eessi/ingestion-controlplane/pkg/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	heads map[string]objectstore.ObjectMeta
	gets  map[string]string
	fail  map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		heads: map[string]objectstore.ObjectMeta{},
		gets:  map[string]string{},
		fail:  map[string]bool{},
	}
}

func (f *fakeClient) List(ctx context.Context, bucket string) (<-chan objectstore.ListedKey, <-chan error) {
	ks := make(chan objectstore.ListedKey)
	es := make(chan error, 1)
	close(ks)
	close(es)
	return ks, es
}

func (f *fakeClient) Head(ctx context.Context, bucket, key string) (objectstore.ObjectMeta, error) {
	if f.fail[key] {
		return objectstore.ObjectMeta{}, objectstore.ErrNotFound
	}
	return f.heads[key], nil
}

func (f *fakeClient) Get(ctx context.Context, bucket, key, localPath string) error {
	if f.fail[key] {
		return objectstore.ErrNotFound
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(f.gets[key]), 0644)
}

func (f *fakeClient) BucketURL(bucket string) string { return "https://example.org/" + bucket }

func TestSyncForceDownloadsBoth(t *testing.T) {
	dir := t.TempDir()
	c := newFakeClient()
	c.heads["data.tgz"] = objectstore.ObjectMeta{ETag: "etag-data"}
	c.heads["data.tgz.sig"] = objectstore.ObjectMeta{ETag: "etag-sig"}
	c.gets["data.tgz"] = "payload"
	c.gets["data.tgz.sig"] = "signature"

	p := NewPair(c, "bucket", dir, "data.tgz", "sig")
	downloaded, err := p.Sync(context.Background(), Force, true)
	require.NoError(t, err)
	assert.True(t, downloaded)

	data, err := os.ReadFile(p.LocalDataAbsPath())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	etag, err := os.ReadFile(p.LocalDataAbsPath() + ".etag")
	require.NoError(t, err)
	assert.Equal(t, "etag-data", string(etag))
}

func TestSyncCheckLocalSkipsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	c := newFakeClient()
	p := NewPair(c, "bucket", dir, "data.tgz", "sig")

	require.NoError(t, os.MkdirAll(filepath.Dir(p.LocalDataAbsPath()), 0755))
	require.NoError(t, os.WriteFile(p.LocalDataAbsPath(), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(p.LocalSigAbsPath(), []byte("y"), 0644))

	downloaded, err := p.Sync(context.Background(), CheckLocal, true)
	require.NoError(t, err)
	assert.False(t, downloaded)
}

func TestSyncCheckRemoteRedownloadsOnETagChange(t *testing.T) {
	dir := t.TempDir()
	c := newFakeClient()
	p := NewPair(c, "bucket", dir, "data.tgz", "sig")

	require.NoError(t, os.MkdirAll(filepath.Dir(p.LocalDataAbsPath()), 0755))
	require.NoError(t, os.WriteFile(p.LocalDataAbsPath(), []byte("old"), 0644))
	require.NoError(t, os.WriteFile(p.LocalSigAbsPath(), []byte("old-sig"), 0644))
	p.writeLocalETag(context.Background(), p.LocalDataPath, "stale-data")
	p.writeLocalETag(context.Background(), p.LocalSigPath, "stale-sig")

	c.heads["data.tgz"] = objectstore.ObjectMeta{ETag: "fresh-data"}
	c.heads["data.tgz.sig"] = objectstore.ObjectMeta{ETag: "fresh-sig"}
	c.gets["data.tgz"] = "new-payload"
	c.gets["data.tgz.sig"] = "new-signature"

	downloaded, err := p.Sync(context.Background(), CheckRemote, true)
	require.NoError(t, err)
	assert.True(t, downloaded)

	data, err := os.ReadFile(p.LocalDataAbsPath())
	require.NoError(t, err)
	assert.Equal(t, "new-payload", string(data))
}

func TestSyncSignatureRequiredFailureRemovesData(t *testing.T) {
	dir := t.TempDir()
	c := newFakeClient()
	c.heads["data.tgz"] = objectstore.ObjectMeta{ETag: "etag-data"}
	c.gets["data.tgz"] = "payload"
	c.fail["data.tgz.sig"] = true

	p := NewPair(c, "bucket", dir, "data.tgz", "sig")
	downloaded, err := p.Sync(context.Background(), Force, true)
	assert.Error(t, err)
	assert.False(t, downloaded)

	_, statErr := os.Stat(p.LocalDataAbsPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestSyncSignatureOptionalFailureKeepsData(t *testing.T) {
	dir := t.TempDir()
	c := newFakeClient()
	c.heads["data.tgz"] = objectstore.ObjectMeta{ETag: "etag-data"}
	c.gets["data.tgz"] = "payload"
	c.fail["data.tgz.sig"] = true

	p := NewPair(c, "bucket", dir, "data.tgz", "sig")
	downloaded, err := p.Sync(context.Background(), Force, false)
	require.NoError(t, err)
	assert.True(t, downloaded)

	_, statErr := os.Stat(p.LocalDataAbsPath())
	assert.NoError(t, statErr)
	_, sigStatErr := os.Stat(p.LocalSigAbsPath())
	assert.True(t, os.IsNotExist(sigStatErr))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("FORCE")
	require.NoError(t, err)
	assert.Equal(t, Force, m)

	m, err = ParseMode("check-remote")
	require.NoError(t, err)
	assert.Equal(t, CheckRemote, m)

	_, err = ParseMode("bogus")
	assert.Error(t, err)
}
