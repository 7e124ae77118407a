package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dog-best/meta-sub000/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func render(err error) (*httptest.ResponseRecorder, map[string]string) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Write(c, err)
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestWrite_DomainError(t *testing.T) {
	w, body := render(fmt.Errorf("release: %w", domain.ErrVersionConflict))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "VersionConflict", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestWrite_InternalHidesDetail(t *testing.T) {
	w, body := render(errors.New("pq: connection refused to 10.0.0.5"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal", body["error"])
	assert.NotContains(t, body["message"], "10.0.0.5")
}

func TestInvalidRequest(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	InvalidRequest(c, "Invalid request body")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "InvalidInput")
}
