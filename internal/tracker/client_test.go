package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:       srv.URL,
		SessionCookie: "session-token",
		Timeout:       2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestDescriptorBytes(t *testing.T) {
	descriptor := []byte("d4:infod4:name4:booke e")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tor/download.php", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("tid"))
		cookie, err := r.Cookie("mam_id")
		require.NoError(t, err)
		assert.Equal(t, "session-token", cookie.Value)
		w.Write(descriptor)
	})

	b, err := c.DescriptorBytes(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, descriptor, b)
}

func TestDescriptorBytesRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("d4:spam4:eggse"))
	})

	b, err := c.DescriptorBytes(context.Background(), 7)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDescriptorBytesAuthFailureIsPermanent(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.DescriptorBytes(context.Background(), 7)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "auth failures must not retry")
}

func TestDescriptorBytesRejectsLoginPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>please log in</html>"))
	})

	_, err := c.DescriptorBytes(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a descriptor")
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
