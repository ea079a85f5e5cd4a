package teamcity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/buildstage/pkg/store"
)

// fakeServer serves canned TeamCity payloads keyed by request path.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []string
	authz    []string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()

	f := &fakeServer{t: t, routes: make(map[string]http.HandlerFunc)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.Path)
		f.authz = append(f.authz, r.Header.Get("Authorization"))
		h, ok := f.routes[r.URL.Path]
		f.mu.Unlock()

		if !ok {
			http.NotFound(w, r)

			return
		}

		h(w, r)
	}))
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeServer) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.routes[path] = h
}

func (f *fakeServer) json(path string, payload any) {
	f.handle(path, func(w http.ResponseWriter, _ *http.Request) {
		writePayload(f.t, w, payload)
	})
}

func (f *fakeServer) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, p := range f.requests {
		if p == path {
			n++
		}
	}

	return n
}

func writePayload(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func newTestClient(t *testing.T, url string, commits store.CommitFinder) *Client {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c := NewClient(log, Options{
		InstanceURL:    url,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		RetryAttempts:  1,
	}, commits)
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	return c
}

func project(subProjects []string, buildTypes ...string) map[string]any {
	subs := make([]map[string]any, 0, len(subProjects))
	for _, id := range subProjects {
		subs = append(subs, map[string]any{"id": id})
	}

	bts := make([]map[string]any, 0, len(buildTypes))
	for _, id := range buildTypes {
		bts = append(bts, map[string]any{
			"id":     id,
			"name":   strings.ToLower(id),
			"webUrl": "http://tc/viewType.html?buildTypeId=" + id,
		})
	}

	return map[string]any{
		"projects":   map[string]any{"project": subs},
		"buildTypes": map[string]any{"buildType": bts},
	}
}

func buildType(configurationType string) map[string]any {
	props := []map[string]any{{"name": "artifactRules", "value": "out/**"}}
	if configurationType != "" {
		props = append(props, map[string]any{"name": "buildConfigurationType", "value": configurationType})
	}

	return map[string]any{"settings": map[string]any{"property": props}}
}

type fakeCommits struct {
	mu      sync.Mutex
	commits map[string][]store.Commit
	calls   []string
}

func (f *fakeCommits) FindCommitsByRevision(_ context.Context, rev string) ([]store.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, rev)

	return f.commits[rev], nil
}

func buildsPageOf(ids ...int) map[string]any {
	builds := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		builds = append(builds, map[string]any{
			"id":     id,
			"number": fmt.Sprintf("#%d", id),
			"status": "SUCCESS",
			"state":  "finished",
		})
	}

	return map[string]any{"count": len(ids), "build": builds}
}
