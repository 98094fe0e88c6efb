package toolcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/health"

	"github.com/parleylabs/parley/bus"
)

func newTestAPI(t *testing.T, b *bus.MemoryBus) (*Service, *httptest.Server) {
	t.Helper()
	svc := newTestService(t, b, nil)
	srv := httptest.NewServer(NewAPI(APIConfig{Service: svc, Pingers: []health.Pinger{b}}).Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) *Response {
	t.Helper()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func TestHTTPExecuteDryRun(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	_, srv := newTestAPI(t, b)

	resp := postJSON(t, srv.URL+"/execute/", Request{
		ToolName:   ToolWebSearch,
		Parameters: map[string]any{"query": "go"},
		DryRun:     true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decodeResponse(t, resp)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "valid", out.Result["dry_run_status"])
}

func TestHTTPExecuteStatusEnvelope(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	_, srv := newTestAPI(t, b)

	// Unknown tools and validation failures still ride a 202; the
	// envelope status carries the verdict.
	resp := postJSON(t, srv.URL+"/execute/", Request{ToolName: "ghost"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, StatusNotFound, decodeResponse(t, resp).Status)

	resp = postJSON(t, srv.URL+"/execute/", Request{ToolName: ToolWebSearch})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decodeResponse(t, resp)
	assert.Equal(t, StatusValidationError, out.Status)
	assert.NotEmpty(t, out.ValidationErrors)

	resp = postJSON(t, srv.URL+"/execute/", Request{
		ToolName:   ToolWebSearch,
		Parameters: map[string]any{"query": "go"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out = decodeResponse(t, resp)
	assert.Equal(t, StatusAcknowledged, out.Status)
	assert.NotEmpty(t, out.ExecutionID)
}

func TestHTTPExecuteRejectsBadBody(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	_, srv := newTestAPI(t, b)

	resp, err := http.Post(srv.URL+"/execute/", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := decodeResponse(t, resp)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error, "invalid request body")
}

func TestHTTPToolCRUD(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	_, srv := newTestAPI(t, b)

	def := Definition{
		Name: "summarize", Type: TypeScript, Path: "/opt/tools/summarize.py", Active: true,
	}

	// Create.
	resp := postJSON(t, srv.URL+"/tools", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate create conflicts.
	resp = postJSON(t, srv.URL+"/tools", def)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Invalid definition is a 400.
	resp = postJSON(t, srv.URL+"/tools", Definition{Name: "x", Type: "mystery"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Read back.
	getResp, err := http.Get(srv.URL + "/tools/summarize")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var got Definition
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	assert.Equal(t, "/opt/tools/summarize.py", got.Path)

	// List.
	listResp, err := http.Get(srv.URL + "/tools")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var listing struct {
		Tools []Definition `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listing))
	require.Len(t, listing.Tools, 1)

	// Update deactivates.
	def.Active = false
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	putReq, err := http.NewRequest(http.MethodPut, srv.URL+"/tools/summarize", bytes.NewReader(raw))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)
	require.NoError(t, json.NewDecoder(putResp.Body).Decode(&got))
	assert.False(t, got.Active)

	// Delete, then the entry is gone.
	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/tools/summarize", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	getResp2, err := http.Get(srv.URL + "/tools/summarize")
	require.NoError(t, err)
	getResp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp2.StatusCode)

	delResp2, err := http.DefaultClient.Do(delReq.Clone(context.Background()))
	require.NoError(t, err)
	delResp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, delResp2.StatusCode)
}

func TestHTTPUploadExecuteDryRun(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	_, srv := newTestAPI(t, b)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "probe.py")
	require.NoError(t, err)
	fmt.Fprint(part, "print('hi')")
	require.NoError(t, mw.WriteField("dry_run", "true"))
	require.NoError(t, mw.WriteField("parameters", `{"n":1}`))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/execute/upload-execute", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decodeResponse(t, resp)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "valid", out.Result["dry_run_status"])
}

func TestHTTPUploadExecuteRequiresFile(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	_, srv := newTestAPI(t, b)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("dry_run", "true"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/execute/upload-execute", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeResponse(t, resp).Error, "missing file field")
}

func TestHTTPHealthz(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	_, srv := newTestAPI(t, b)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
