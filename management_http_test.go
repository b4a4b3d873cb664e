package replimap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/transport"
)

func TestManagementHTTPEntries(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	nodes := startCluster[string](t, hub, 2, WithStrategy(FullMesh))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "replimap_puts_total 1\n")
	})

	srv := NewManagementHTTPServer(":0", nodes[0].m, StringKey, StringValue, WithMgmtMetricsHandler(metrics))
	app := srv.App()

	resp, err := app.Test(httptest.NewRequest(http.MethodPut, "/entries/cart", strings.NewReader("3 items")))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	hub.Flush()

	value, ok := nodes[1].m.Get(context.Background(), "cart")
	assert.True(t, ok)
	assert.Equal(t, "3 items", value)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/entries/cart", nil))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Value string    `json:"value"`
		Entry EntryInfo `json:"entry"`
	}

	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()

	assert.Equal(t, "3 items", body.Value)
	assert.True(t, body.Entry.IsPrimary)
	assert.Equal(t, 1, len(body.Entry.BackupNodes))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.NoError(t, err)

	var stats Stats

	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	_ = resp.Body.Close()
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, 1, stats.Members)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/entries/cart", nil))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/entries/cart", nil))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestManagementHTTPAuthAndListener(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	n := join[string](t, hub, 0)

	srv := NewManagementHTTPServer("127.0.0.1:0", n.m, StringKey, StringValue,
		WithMgmtAuth(func(c fiber.Ctx) error {
			if c.Get("X-Token") != "secret" {
				return fiber.ErrUnauthorized
			}

			return nil
		}),
	)

	ctx := context.Background()
	assert.NoError(t, srv.Start(ctx))

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	addr := srv.Address()
	assert.True(t, addr != "")

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get("http://" + addr + "/health")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	assert.NoError(t, err)
	req.Header.Set("X-Token", "secret")

	resp, err = client.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

type countingService struct {
	Service[string, string]

	puts int
}

func (s *countingService) Put(ctx context.Context, key, value string) ([]cluster.Member, error) {
	s.puts++

	return s.Service.Put(ctx, key, value)
}

func TestManagementHTTPUseService(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	n := join[string](t, hub, 0)
	svc := &countingService{Service: n.m}

	srv := NewManagementHTTPServer(":0", n.m, StringKey, StringValue)
	srv.UseService(svc)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodPut, "/entries/k", strings.NewReader("v")))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	assert.Equal(t, 1, svc.puts)
	assert.Equal(t, 1, n.m.Len())
}
