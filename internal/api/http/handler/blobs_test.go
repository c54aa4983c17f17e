package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/hub"
	"github.com/musterhq/muster/internal/telemetry"
)

func setupBlobsRouter(h *BlobsHandler) *gin.Engine {
	r := gin.New()
	r.GET("/api/blobs/*path", h.Download)
	return r
}

func TestDownloadBlob(t *testing.T) {
	testHub := newTestHub(t)
	connect(t, testHub, "device-001")
	ctx := context.Background()

	content := []byte("jpeg bytes")
	payload := fmt.Sprintf(`{"is_file":true,"name":"photo.jpg","data":"%s"}`,
		base64.StdEncoding.EncodeToString(content))
	require.NoError(t, testHub.HandleTelemetry(ctx, "device-001", "files", []byte(payload)))

	page, err := testHub.AgentPage(ctx, "device-001", hub.PageDownloads, hub.PageOptions{})
	require.NoError(t, err)
	entries := page.([]telemetry.DownloadEntry)
	require.Len(t, entries, 1)

	r := setupBlobsRouter(NewBlobsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/blobs/"+entries[0].Path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())
}

func TestDownloadBlobMissing(t *testing.T) {
	testHub := newTestHub(t)
	r := setupBlobsRouter(NewBlobsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/blobs/device-001/nope.jpg", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadBlobTraversalRejected(t *testing.T) {
	testHub := newTestHub(t)
	r := setupBlobsRouter(NewBlobsHandler(testHub))

	req, _ := http.NewRequest("GET", "/api/blobs/..%2F..%2Fetc%2Fpasswd", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusOK, w.Code)
}
