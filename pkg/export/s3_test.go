package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/buildstage/pkg/config"
	"github.com/ethpandaops/buildstage/pkg/store"
)

type staticLister struct {
	pipelines []store.Pipeline
	err       error
}

func (l staticLister) ListPipelines(context.Context) ([]store.Pipeline, error) {
	return l.pipelines, l.err
}

// fakeS3 records PUT object bodies by request path.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	status  int
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()

	f := &fakeS3{objects: make(map[string][]byte), status: http.StatusOK}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		status := f.status
		if status == http.StatusOK {
			f.objects[r.URL.Path] = body
		}
		f.mu.Unlock()

		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return f, srv
}

func newTestExporter(t *testing.T, endpoint, prefix string, lister PipelineLister) *s3Exporter {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	e, err := NewS3Exporter(log, &config.S3ExportConfig{
		Enabled:         true,
		EndpointURL:     endpoint,
		Bucket:          "pipelines-bucket",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
		Prefix:          prefix,
	}, lister, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.RetryMaxAttempts = 1
	})
	require.NoError(t, err)

	exp := e.(*s3Exporter)
	exp.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	return exp
}

func TestResolveKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "default prefix", prefix: "", want: "buildstage/pipelines/index.json"},
		{name: "custom prefix", prefix: "ci/hygiene", want: "ci/hygiene/pipelines/index.json"},
		{name: "trailing slash stripped", prefix: "ci/", want: "ci/pipelines/index.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &s3Exporter{cfg: &config.S3ExportConfig{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, e.resolveKey("pipelines/index.json"))
		})
	}
}

func TestNewS3Exporter_RequiresBucket(t *testing.T) {
	_, err := NewS3Exporter(logrus.New(), &config.S3ExportConfig{}, staticLister{})
	require.Error(t, err)

	_, err = NewS3Exporter(logrus.New(), nil, staticLister{})
	require.Error(t, err)
}

func TestExport_UploadsPipelinesAndIndex(t *testing.T) {
	fake, srv := newFakeS3(t)

	p := store.NewPipeline(7)
	p.SetStage(store.StageCommit, store.NewCommitSet(
		store.NewPipelineCommit(store.Commit{RevisionNumber: "a"}, 10),
		store.NewPipelineCommit(store.Commit{RevisionNumber: "b"}, 20),
	))
	p.SetStage(store.StageBuild, store.NewCommitSet(
		store.NewPipelineCommit(store.Commit{RevisionNumber: "a"}, 30),
	))

	e := newTestExporter(t, srv.URL, "snapshots", staticLister{pipelines: []store.Pipeline{*p}})

	require.NoError(t, e.Export(context.Background()))

	fake.mu.Lock()
	defer fake.mu.Unlock()

	pipelineBody, ok := fake.objects["/pipelines-bucket/snapshots/pipelines/7.json"]
	require.True(t, ok, "pipeline object not uploaded: %v", keys(fake.objects))

	var got store.Pipeline
	require.NoError(t, json.Unmarshal(pipelineBody, &got))
	assert.Equal(t, uint(7), got.CollectorItemID)
	assert.Equal(t, 2, got.Stage(store.StageCommit).Commits.Len())

	indexBody, ok := fake.objects["/pipelines-bucket/snapshots/pipelines/index.json"]
	require.True(t, ok)

	var index Index
	require.NoError(t, json.Unmarshal(indexBody, &index))
	require.Len(t, index.Pipelines, 1)
	assert.Equal(t, "snapshots/pipelines/7.json", index.Pipelines[0].Key)
	assert.Equal(t, map[string]int{store.StageCommit: 2, store.StageBuild: 1}, index.Pipelines[0].Stages)
	assert.Equal(t, int64(1_700_000_000), index.GeneratedAt.Unix())
}

func TestExport_ListError(t *testing.T) {
	_, srv := newFakeS3(t)

	e := newTestExporter(t, srv.URL, "", staticLister{err: errors.New("db down")})

	err := e.Export(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestExport_UploadError(t *testing.T) {
	fake, srv := newFakeS3(t)
	fake.status = http.StatusForbidden

	e := newTestExporter(t, srv.URL, "", staticLister{pipelines: []store.Pipeline{*store.NewPipeline(1)}})

	err := e.Export(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pipeline 1"), err.Error())
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}
