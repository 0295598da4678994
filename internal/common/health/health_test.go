package health

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticChecker struct{ err error }

func (c staticChecker) Check() error { return c.err }

func TestMultiCheckerAggregatesFailures(t *testing.T) {
	mc := NewMultiChecker(staticChecker{}, staticChecker{})
	assert.NoError(t, mc.Check())

	mc.Add(staticChecker{err: errors.New("down")})
	assert.Error(t, mc.Check())
}

func TestStartupCompleteChecker(t *testing.T) {
	c := NewStartupCompleteChecker()
	assert.Error(t, c.Check())
	c.MarkComplete()
	assert.NoError(t, c.Check())
	c.MarkComplete() // idempotent
	assert.NoError(t, c.Check())
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	ok := NewHealthCheckHttpHandler(staticChecker{})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 204, rec.Code)

	bad := NewHealthCheckHttpHandler(staticChecker{err: errors.New("down")})
	rec = httptest.NewRecorder()
	bad.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "down")
}
