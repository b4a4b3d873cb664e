package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/longbridgeapp/assert"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hyp3rd/replimap"
)

type fixedSource struct{ stats replimap.Stats }

func (fixedSource) Name() string            { return "sessions" }
func (f fixedSource) Stats() replimap.Stats { return f.stats }

func TestCollectorExportsSnapshot(t *testing.T) {
	t.Parallel()

	src := fixedSource{stats: replimap.Stats{Puts: 3, Promotions: 1, Entries: 7, Members: 2}}
	c := NewCollector(src)

	assert.Equal(t, 22, testutil.CollectAndCount(c))

	expected := `
# HELP replimap_puts_total Local Put calls.
# TYPE replimap_puts_total counter
replimap_puts_total{map="sessions"} 3
# HELP replimap_entries Entries held locally in any role.
# TYPE replimap_entries gauge
replimap_entries{map="sessions"} 7
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected), "replimap_puts_total", "replimap_entries")
	assert.NoError(t, err)
}

func TestRegistryHandler(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.SetBuildInfo("test")
	assert.NoError(t, reg.Track(fixedSource{stats: replimap.Stats{Promotions: 4}}))

	// a second collector for the same map name is a duplicate
	assert.True(t, reg.Track(fixedSource{}) != nil)

	srv := httptest.NewServer(reg.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	assert.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `replimap_promotions_total{map="sessions"} 4`))
	assert.True(t, strings.Contains(text, `replimap_build_info{version="test"} 1`))
	assert.True(t, strings.Contains(text, "replimap_uptime_seconds"))
}
