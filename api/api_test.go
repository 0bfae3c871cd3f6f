// Copyright © 2024 tgvault
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
	"github.com/tgvault/tgvault/engine"
)

// stubSession serves one private chat with a text message and a document so
// jobs started over the API can run to completion.
type stubSession struct {
	chats []common.ChatDescriptor
	msgs  map[int64][]common.ScannedMessage
	files map[int64][]byte
}

func newStubSession() *stubSession {
	payload := []byte("doc payload")
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &stubSession{
		chats: []common.ChatDescriptor{
			{ID: 111, Title: "alice", Type: common.EChatType.Private()},
		},
		msgs: map[int64][]common.ScannedMessage{
			111: {
				{Record: common.MessageRecord{ID: 1, Date: when, Text: "hello"}},
				{
					Record: common.MessageRecord{ID: 2, Date: when.Add(time.Minute)},
					Media: []common.ScannedMedia{{
						Type: common.EMediaType.Document(),
						Size: int64(len(payload)),
						Name: "doc.bin",
						Ref: common.MediaRef{
							Kind:          common.EMediaRefKind.Document(),
							ID:            5,
							AccessHash:    1,
							FileReference: []byte{1},
						},
					}},
				},
			},
		},
		files: map[int64][]byte{5: payload},
	}
}

func (s *stubSession) SelfID() int64 { return 777 }

func (s *stubSession) Dialogs(ctx context.Context) ([]common.ChatDescriptor, error) {
	return s.chats, nil
}

func (s *stubSession) ResolveChat(ctx context.Context, id int64) (common.ChatDescriptor, error) {
	for _, c := range s.chats {
		if c.ID == id {
			return c, nil
		}
	}
	return common.ChatDescriptor{}, &common.PermanentError{Code: "PEER_ID_INVALID"}
}

func (s *stubSession) History(ctx context.Context, chat common.ChatDescriptor,
	fromID, toID int, fn func(common.ScannedMessage) error) error {
	for _, m := range s.msgs[chat.ID] {
		if fromID != 0 && m.Record.ID < fromID {
			continue
		}
		if toID != 0 && m.Record.ID > toID {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubSession) DownloadChunk(ctx context.Context, ref common.MediaRef,
	offset int64, limit int) ([]byte, error) {
	data, ok := s.files[ref.ID]
	if !ok {
		return nil, &common.PermanentError{Code: "FILE_ID_INVALID"}
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + int64(limit)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (s *stubSession) RefreshReference(ctx context.Context,
	chat common.ChatDescriptor, messageID int) (common.MediaRef, error) {
	return common.MediaRef{}, errors.New("refresh unsupported")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type apiFixture struct {
	t        *testing.T
	router   *gin.Engine
	password string
}

func newAPIFixture(t *testing.T, password string) *apiFixture {
	t.Helper()
	store, err := engine.NewResumeStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	eng := engine.NewEngine(zap.NewNop(), newStubSession(), store, nil, nil, t.TempDir())
	srv := NewServer(zap.NewNop(), eng, &common.Config{
		APIID:         12345,
		APIHash:       "abcdef",
		WebPort:       9528,
		DataRoot:      "data",
		AdminPassword: password,
	})
	return &apiFixture{t: t, router: srv.Router(), password: password}
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.password != "" {
		req.Header.Set("X-Admin-Password", f.password)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) decode(w *httptest.ResponseRecorder) map[string]json.RawMessage {
	f.t.Helper()
	out := map[string]json.RawMessage{}
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func basicSpec(name string) engine.JobSpec {
	return engine.JobSpec{
		Name: name,
		Filter: common.JobFilter{
			Chats: common.ChatTypeFilter{PrivateChats: true},
			Media: common.MediaTypeFilter{Files: true},
		},
		Format: common.EExportFormat.JSON(),
	}
}

func (f *apiFixture) createJob(name string) string {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/export/create", basicSpec(name))
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	var id string
	require.NoError(f.t, json.Unmarshal(f.decode(w)["id"], &id))
	return id
}

func (f *apiFixture) jobStatus(id string) string {
	f.t.Helper()
	w := f.do(http.MethodGet, "/api/export/"+id, nil)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	var job struct {
		Status string `json:"status"`
	}
	require.NoError(f.t, json.Unmarshal(f.decode(w)["job"], &job))
	return job.Status
}

func (f *apiFixture) waitStatus(id, want string) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.jobStatus(id) == want
	}, 10*time.Second, 5*time.Millisecond, "job never reached %s", want)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestAPIHealth(t *testing.T) {
	f := newAPIFixture(t, "")
	w := f.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAPICreateListAndGet(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("job1")

	assert.Equal(t, "pending", f.jobStatus(id))

	w := f.do(http.MethodGet, "/api/export/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []json.RawMessage
	require.NoError(t, json.Unmarshal(f.decode(w)["tasks"], &tasks))
	assert.Len(t, tasks, 1)

	// Re-submitting the same name returns the existing job.
	again := f.createJob("job1")
	assert.Equal(t, id, again)
}

func TestAPICreateHonoursNameQueryOverride(t *testing.T) {
	f := newAPIFixture(t, "")
	w := f.do(http.MethodPost, "/api/export/create?name=renamed", basicSpec("ignored"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var job struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(f.decode(w)["job"], &job))
	assert.Equal(t, "renamed", job.Name)
}

func TestAPICreateRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/export/create",
		bytes.NewReader([]byte("{nope")))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIJobIDErrors(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(http.MethodGet, "/api/export/not-a-job-id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Well formed but unknown.
	w = f.do(http.MethodGet, "/api/export/"+common.NewJobID().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIStartRunsJobToCompletion(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("run")

	w := f.do(http.MethodPost, "/api/export/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	f.waitStatus(id, "completed")

	// Starting again from a terminal state is rejected.
	w = f.do(http.MethodPost, "/api/export/"+id+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/export/"+id+"/downloads?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var items []common.MediaItem
	require.NoError(t, json.Unmarshal(f.decode(w)["items"], &items))
	require.Len(t, items, 1)
	assert.Equal(t, "2-111-doc.bin", items[0].Name)

	w = f.do(http.MethodGet, "/api/export/"+id+"/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var failed []common.MediaItem
	require.NoError(t, json.Unmarshal(f.decode(w)["failed"], &failed))
	assert.Empty(t, failed)
}

func TestAPISettingsHidesSecrets(t *testing.T) {
	f := newAPIFixture(t, "")
	w := f.do(http.MethodGet, "/api/export/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.EqualValues(t, 12345, out["api_id"])
	assert.Equal(t, true, out["api_hash_set"])
	assert.NotContains(t, w.Body.String(), "abcdef", "raw secrets never leave the process")
}

func TestAPIPauseRequiresLiveJob(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("idle")

	w := f.do(http.MethodPost, "/api/export/"+id+"/pause", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIVerifyCompletedJob(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("verify")
	f.do(http.MethodPost, "/api/export/"+id+"/start", nil)
	f.waitStatus(id, "completed")

	w := f.do(http.MethodPost, "/api/export/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var checked, requeued int
	require.NoError(t, json.Unmarshal(f.decode(w)["checked"], &checked))
	require.NoError(t, json.Unmarshal(f.decode(w)["requeued"], &requeued))
	assert.Equal(t, 1, checked)
	assert.Zero(t, requeued)
}

func TestAPIRescanRejectedForPendingJob(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("scan")

	w := f.do(http.MethodPost, "/api/export/"+id+"/scan", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIConcurrency(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("tune")

	// Missing parameter.
	w := f.do(http.MethodPost, "/api/export/"+id+"/concurrency", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost,
		"/api/export/"+id+"/concurrency?max_concurrent_downloads=3", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job struct {
		Perf common.JobPerf `json:"perf"`
	}
	require.NoError(t, json.Unmarshal(f.decode(w)["job"], &job))
	assert.Equal(t, 3, job.Perf.MaxConcurrentDownloads)
}

func TestAPITdlModeWithoutDownloader(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("tdl")

	w := f.do(http.MethodPost, "/api/export/"+id+"/tdl-mode?enabled=true", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIItemEndpointErrors(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("items")

	w := f.do(http.MethodPost, "/api/export/"+id+"/retry_file/999_9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/export/"+id+"/download/999_9/explode", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown action")

	w = f.do(http.MethodGet, "/api/export/"+id+"/downloads?status=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown status filter")
}

func TestAPIDeleteJob(t *testing.T) {
	f := newAPIFixture(t, "")
	id := f.createJob("gone")

	w := f.do(http.MethodDelete, "/api/export/"+id+"?purge=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodDelete, "/api/export/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIAdminPassword(t *testing.T) {
	f := newAPIFixture(t, "s3cret")

	// Health stays open.
	w := f.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/export/tasks", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "missing header")

	req = httptest.NewRequest(http.MethodGet, "/api/export/tasks", nil)
	req.Header.Set("X-Admin-Password", "wrong")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "wrong password")

	w = f.do(http.MethodGet, "/api/export/tasks", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
