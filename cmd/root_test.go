package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quarry-dl/quarry/admission"
	"github.com/quarry-dl/quarry/resolve"
	"github.com/quarry-dl/quarry/utils"
)

func TestMain(m *testing.M) {
	utils.InitLogger(false)
	utils.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type fanoutResolver struct {
	descs []utils.ResourceDescriptor
}

func (f *fanoutResolver) Resolve(ctx context.Context, rawURL string) ([]utils.ResourceDescriptor, error) {
	return f.descs, nil
}

func TestDownloadAllCountsEveryFanoutFailure(t *testing.T) {
	// The server truncates every payload: segment workers refuse the bare 200
	// and the stream fallback detects the short body, so each of the resolved
	// jobs fails quickly. A single entry fanning out into many failing jobs
	// must still report every failure and terminate.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	descs := make([]utils.ResourceDescriptor, 10)
	for i := range descs {
		descs[i] = utils.ResourceDescriptor{
			URL:      srv.URL,
			Filename: fmt.Sprintf("file-%d.bin", i),
			Size:     10,
		}
	}
	registry := resolve.NewRegistry(srv.Client())
	registry.Register("fanout.example.com", &fanoutResolver{descs: descs})
	controller := admission.NewController(20, nil)

	entries := []utils.DownloadEntry{{URL: "https://files.fanout.example.com/folder", Dir: t.TempDir()}}
	failures := downloadAll(context.Background(), entries, controller, registry, nil)
	assert.Equal(t, 10, failures)

	stats := controller.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Failed)
}
