package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRegistry = `
pipelines:
  - name: books
    mode: distributed
    command: ["python3", "scrape_books.py"]
    queue:
      batch_size: 25
      lease_seconds: 600
      max_retries: 5
    preflight:
      required_tools: ["python3"]
      min_input_rows: 100
  - name: authors
    mode: single
    command: ["python3", "scrape_authors.py"]
    work_dir: /srv/scrapers/authors
`

func TestParseAndDefaults(t *testing.T) {
	r, err := Parse([]byte(sampleRegistry))
	require.NoError(t, err)

	books, err := r.Get("books")
	require.NoError(t, err)
	assert.Equal(t, ModeDistributed, books.Mode)
	assert.Equal(t, 25, books.Queue.BatchSize)
	assert.Equal(t, 10*time.Minute, books.Queue.Lease())
	assert.Equal(t, 5, books.Queue.MaxRetries)
	assert.Equal(t, DefaultRunIDEnv, books.RunIDEnv)
	assert.Equal(t, []string{"python3"}, books.Preflight.RequiredTools)

	authors, err := r.Get("authors")
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, authors.Mode)
	assert.Equal(t, DefaultBatchSize, authors.Queue.BatchSize)
	assert.Equal(t, DefaultLeaseSeconds, authors.Queue.LeaseSeconds)
	assert.Equal(t, DefaultResumeFlag, authors.ResumeFlag)
	assert.Equal(t, 0.90, authors.Preflight.DiskThreshold)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRegistry), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"authors", "books"}, r.Names())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/pipelines.yaml")
	assert.Error(t, err)
}

func TestUnknownPipeline(t *testing.T) {
	r, err := Parse([]byte(sampleRegistry))
	require.NoError(t, err)

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInvalidMode(t *testing.T) {
	_, err := Parse([]byte(`
pipelines:
  - name: broken
    mode: clustered
    command: ["run.sh"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestMissingCommand(t *testing.T) {
	_, err := Parse([]byte(`
pipelines:
  - name: broken
    mode: single
`))
	assert.Error(t, err)
}

func TestDuplicateNames(t *testing.T) {
	_, err := Parse([]byte(`
pipelines:
  - name: books
    mode: single
    command: ["a"]
  - name: books
    mode: single
    command: ["b"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("pipelines: [unclosed"))
	assert.Error(t, err)
}
