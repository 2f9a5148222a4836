// Package resolve turns input URLs into ResourceDescriptors. Host-specific
// resolvers live in a static registry keyed by host pattern; the passthrough
// resolver is the fallback for hosts that serve files directly.
package resolve

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/quarry-dl/quarry/admission"
	"github.com/quarry-dl/quarry/utils"
)

// Resolution is cheap but may trip anti-automation defenses when
// over-parallelized, so it runs under its own small global cap, separate from
// transfer admission.
const maxConcurrentResolutions = 5

// Resolver produces one or more resource descriptors for an input URL. A
// single input may expand into multiple resources, e.g. a folder.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) ([]utils.ResourceDescriptor, error)
}

type Registry struct {
	entries  map[string]Resolver
	keys     []string
	fallback Resolver
	sem      *semaphore.Weighted
}

// NewRegistry builds the static resolver table with PassThrough as fallback.
func NewRegistry(client *http.Client) *Registry {
	return &Registry{
		entries:  make(map[string]Resolver),
		fallback: &PassThrough{Client: client},
		sem:      semaphore.NewWeighted(maxConcurrentResolutions),
	}
}

// Register binds a resolver to a host pattern. Meant for init-time wiring;
// not safe against concurrent Resolve calls.
func (r *Registry) Register(hostPattern string, resolver Resolver) {
	r.entries[strings.ToLower(hostPattern)] = resolver
	r.keys = append(r.keys, strings.ToLower(hostPattern))
	sort.Strings(r.keys)
}

func (r *Registry) lookup(host string) Resolver {
	for _, key := range r.keys {
		if strings.Contains(host, key) {
			return r.entries[key]
		}
	}
	return r.fallback
}

// Resolve picks the resolver for the URL's host and invokes it under the
// resolution concurrency cap.
func (r *Registry) Resolve(ctx context.Context, rawURL string) ([]utils.ResourceDescriptor, error) {
	log := utils.GetLogger("resolver")
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	host := admission.HostOf(rawURL)
	log.Debug().Str("host", host).Str("url", rawURL).Msg("Resolving resource")
	return r.lookup(host).Resolve(ctx, rawURL)
}

// PassThrough treats the input URL as the download URL itself and probes it
// with a HEAD request for size and filename.
type PassThrough struct {
	Client  *http.Client
	Headers map[string]string
}

func (p *PassThrough) Resolve(ctx context.Context, rawURL string) ([]utils.ResourceDescriptor, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	size, filename, rangeSupport, err := utils.ProbeResource(ctx, rawURL, p.Headers, client)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		filename = utils.FilenameFromURL(rawURL)
	}
	if !rangeSupport {
		logger := utils.GetLogger("resolver")
		logger.Debug().Str("url", rawURL).Msg("No Accept-Ranges advertised, transfer may fall back to single connection")
	}
	return []utils.ResourceDescriptor{{
		URL:      rawURL,
		Filename: filename,
		Size:     size,
		Headers:  p.Headers,
	}}, nil
}
