package fsstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/store/fsstore"
)

func writeBundle(t *testing.T, dir, filename, id string) {
	t.Helper()
	content := `{"resourceType":"Bundle","entry":[
		{"resource":{"resourceType":"Patient","id":"` + id + `"}},
		{"resource":{"resourceType":"Condition","code":{"text":"hypertension"}}}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644))
}

func TestLoadBundleByExactFilename(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "p1.json", "p1")

	s := fsstore.New(dir, "", "")
	b, err := s.LoadBundle(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "p1", b.ID)
	assert.Len(t, b.Conditions(), 1)
}

func TestLoadBundleMissingIDReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	s := fsstore.New(dir, "", "")
	b, err := s.LoadBundle(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestListIDsRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "p1.json", "p1")
	writeBundle(t, dir, "p2.json", "p2")
	writeBundle(t, dir, "p3.json", "p3")

	s := fsstore.New(dir, "", "")
	ids, err := s.ListIDs(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestLoadECGReturnsNilWhenCSVMissing(t *testing.T) {
	s := fsstore.New("", "", "")
	b, err := s.LoadECG(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestListDICOMPathsEmptyWhenDirEmpty(t *testing.T) {
	s := fsstore.New("", "", t.TempDir())
	refs, err := s.ListDICOMPaths(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
}
