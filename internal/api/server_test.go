package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clindoc/ptdgen/internal/pipeline"
	"github.com/clindoc/ptdgen/internal/render"
	"github.com/clindoc/ptdgen/internal/rules"
)

const protocolJSON = `{"elements":[
	{"path":"//Document/H1","text":"Schedule of Activities"},
	{"path":"//Document/Table","text":""},
	{"path":"//Document/Table/TR","text":""},
	{"path":"//Document/Table/TR/TD","text":""},
	{"path":"//Document/Table/TR/TD/P","text":"Procedure"},
	{"path":"//Document/Table/TR/TD[2]","text":""},
	{"path":"//Document/Table/TR/TD[2]/P","text":"V1"},
	{"path":"//Document/Table/TR/TD[3]","text":""},
	{"path":"//Document/Table/TR/TD[3]/P","text":"V2"},
	{"path":"//Document/Table/TR/TD[4]","text":""},
	{"path":"//Document/Table/TR/TD[4]/P","text":"V3"},
	{"path":"//Document/Table/TR[2]","text":""},
	{"path":"//Document/Table/TR[2]/TD","text":"Adverse Event"},
	{"path":"//Document/Table/TR[2]/TD[2]","text":"X"},
	{"path":"//Document/Table/TR[2]/TD[3]","text":""},
	{"path":"//Document/Table/TR[2]/TD[4]","text":"X"}
]}`

const ecrfJSON = `{"elements":[
	{"path":"//Document/H1","text":"Adverse Events"},
	{"path":"//Document/H2","text":"Adverse Event Log"},
	{"path":"//Document/P","text":"[AE_LOG] Adverse Event Log - Repeating"},
	{"path":"//Document/P[2]","text":"Visits: V1, V2"}
]}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	p, err := pipeline.New(rules.Defaults(), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return NewServer(
		p,
		render.NewRenderer(log.New(io.Discard, "", 0)),
		pipeline.NewRunStore(time.Minute),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func multipartBody(t *testing.T, parts map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, content := range parts {
		fw, err := mw.CreateFormFile(field, field+".json")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateRunAndDownloadWorkbook(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{
		"protocol": protocolJSON,
		"ecrf":     ecrfJSON,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Run         pipeline.RunSnapshot `json:"run"`
		StatusURL   string               `json:"status_url"`
		WorkbookURL string               `json:"workbook_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, pipeline.StatusCompleted, created.Run.Status)
	assert.Equal(t, 1, created.Run.Forms)
	assert.Equal(t, 1, created.Run.Procedures)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, created.StatusURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap pipeline.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, created.Run.ID, snap.ID)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, created.WorkbookURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	// xlsx files are zip archives.
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestCreateRunMissingPart(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{"protocol": protocolJSON})
	req := httptest.NewRequest(http.MethodPost, "/api/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ecrf")
}

func TestCreateRunExtractionFailureIsRegistered(t *testing.T) {
	s := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{
		"protocol": protocolJSON,
		"ecrf":     `{"elements":[{"path":"//Document/H1","text":"Nothing"}]}`,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var snap pipeline.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, pipeline.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "no forms")

	// Failure reason is retrievable afterwards.
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+snap.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Workbook is never available for a failed run.
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+snap.ID+"/workbook", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/unknown/workbook", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
