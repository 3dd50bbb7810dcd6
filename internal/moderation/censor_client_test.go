package moderation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newVendorStub starts an httptest server emulating the censorship vendor:
// a token endpoint and a censor endpoint answering with censorBody.
func newVendorStub(t *testing.T, censorBody string, tokenCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","expires_in":2592000}`))
	})
	mux.HandleFunc("/censor", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok-1", r.URL.Query().Get("access_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(censorBody))
	})
	return httptest.NewServer(mux)
}

func newStubClient(srv *httptest.Server) *CensorClient {
	return NewCensorClient(CensorConfig{
		TokenURL:     srv.URL + "/token",
		CensorURL:    srv.URL + "/censor",
		ClientID:     "ak",
		ClientSecret: "sk",
		Timeout:      2 * time.Second,
	})
}

func TestCensorClient_Compliant(t *testing.T) {
	var tokenCalls int32
	srv := newVendorStub(t, `{"conclusionType":1}`, &tokenCalls)
	defer srv.Close()

	c := newStubClient(srv)
	v, err := c.Censor(context.Background(), "hello world")
	require.NoError(t, err)
	require.True(t, v.Safe)
	require.Equal(t, "hello world", v.FilteredText)
	require.False(t, v.UsedFallback)
}

func TestCensorClient_NonCompliantMasksHits(t *testing.T) {
	var tokenCalls int32
	body := `{"conclusionType":2,"data":[
		{"msg":"存在辱骂内容","hits":[{"words":["badword"]}]},
		{"msg":"存在违禁内容","hits":[{"words":["蠢货","badword"]}]}
	]}`
	srv := newVendorStub(t, body, &tokenCalls)
	defer srv.Close()

	c := newStubClient(srv)
	v, err := c.Censor(context.Background(), "badword 蠢货 badword")
	require.NoError(t, err)
	require.False(t, v.Safe)
	require.Equal(t, []string{"badword", "蠢货"}, v.Reasons, "hit words deduplicated")
	require.Equal(t, "******* ** *******", v.FilteredText)
}

func TestCensorClient_SuspectedWithoutHits(t *testing.T) {
	var tokenCalls int32
	srv := newVendorStub(t, `{"conclusionType":3,"data":[{"msg":"疑似广告"}]}`, &tokenCalls)
	defer srv.Close()

	c := newStubClient(srv)
	v, err := c.Censor(context.Background(), "some borderline text")
	require.NoError(t, err)
	require.False(t, v.Safe)
	require.Equal(t, []string{"疑似广告"}, v.Reasons)
	require.Equal(t, "some borderline text", v.FilteredText, "no hit words, nothing to mask")
}

func TestCensorClient_TokenCached(t *testing.T) {
	var tokenCalls int32
	srv := newVendorStub(t, `{"conclusionType":1}`, &tokenCalls)
	defer srv.Close()

	c := newStubClient(srv)
	for i := 0; i < 3; i++ {
		_, err := c.Censor(context.Background(), "hello")
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "credential must be cached")
}

func TestCensorClient_TokenRefreshMargin(t *testing.T) {
	var tokenCalls int32
	srv := newVendorStub(t, `{"conclusionType":1}`, &tokenCalls)
	defer srv.Close()

	c := newStubClient(srv)
	base := time.Now()
	c.now = func() time.Time { return base }

	_, err := c.Censor(context.Background(), "hello")
	require.NoError(t, err)

	// Move to 4 minutes before expiry: inside the 5-minute safety margin,
	// so the next call must fetch a fresh credential.
	c.now = func() time.Time { return base.Add(2592000*time.Second - 4*time.Minute) }
	_, err = c.Censor(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
}

func TestCensorClient_Failures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing conclusion", `{"data":[]}`},
		{"vendor error code", `{"error_code":18,"error_msg":"qps limit reached"}`},
		{"malformed json", `{"conclusionType":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tokenCalls int32
			srv := newVendorStub(t, tt.body, &tokenCalls)
			defer srv.Close()

			c := newStubClient(srv)
			_, err := c.Censor(context.Background(), "hello")
			require.Error(t, err)

			var ce *CensorError
			require.True(t, errors.As(err, &ce), "all failures surface as *CensorError, got %T", err)
		})
	}
}

func TestCensorClient_NetworkError(t *testing.T) {
	var tokenCalls int32
	srv := newVendorStub(t, `{"conclusionType":1}`, &tokenCalls)
	srv.Close() // nothing listening anymore

	c := newStubClient(srv)
	_, err := c.Censor(context.Background(), "hello")
	require.Error(t, err)

	var ce *CensorError
	require.True(t, errors.As(err, &ce))
}

func TestCensorClient_Configured(t *testing.T) {
	require.False(t, NewCensorClient(CensorConfig{}).Configured())
	require.True(t, NewCensorClient(CensorConfig{
		TokenURL: "http://t", CensorURL: "http://c", ClientID: "ak", ClientSecret: "sk",
	}).Configured())
}
