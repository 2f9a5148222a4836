// Package admission arbitrates how many transfers may run at once, globally
// and per remote host. A submitted job acquires its host limiter, then the
// global limiter, always in that order, before running.
package admission

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quarry-dl/quarry/utils"
)

type hostLimiter struct {
	sem   *semaphore.Weighted
	limit int64
}

type Controller struct {
	mu       sync.Mutex
	global   *semaphore.Weighted
	policies map[string]HostPolicy
	keys     []string // sorted policy keys, deterministic first-match
	limiters map[string]*hostLimiter
	active   map[string]int

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

type Stats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	Active    map[string]int
	Limits    map[string]int64
}

func NewController(globalLimit int, policies map[string]HostPolicy) *Controller {
	if globalLimit <= 0 {
		globalLimit = 20
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	if _, ok := policies[DefaultPolicyKey]; !ok {
		policies[DefaultPolicyKey] = DefaultPolicies()[DefaultPolicyKey]
	}
	c := &Controller{
		global:   semaphore.NewWeighted(int64(globalLimit)),
		policies: policies,
		limiters: make(map[string]*hostLimiter),
		active:   make(map[string]int),
	}
	for key, policy := range policies {
		limit := int64(max(policy.MaxConcurrent, 1))
		c.limiters[key] = &hostLimiter{sem: semaphore.NewWeighted(limit), limit: limit}
		if key != DefaultPolicyKey {
			c.keys = append(c.keys, key)
		}
	}
	sort.Strings(c.keys)
	return c
}

// HostOf derives the policy-matching host from a URL: lowercased authority
// with any www. prefix stripped.
func HostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// matchKey finds the configured policy key for a host. Matching is
// case-insensitive containment in either direction so subdomain variants hit
// the same entry; first match in sorted key order wins.
func (c *Controller) matchKey(host string) string {
	host = strings.ToLower(host)
	for _, key := range c.keys {
		lowered := strings.ToLower(key)
		if strings.Contains(host, lowered) || strings.Contains(lowered, host) {
			return key
		}
	}
	return DefaultPolicyKey
}

// PolicyFor returns the effective policy for a host.
func (c *Controller) PolicyFor(host string) HostPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies[c.matchKey(host)]
}

// Submit runs job under the host and global limiters. The two acquires are
// the only blocking points and honor ctx cancellation; a job that never got
// admitted counts as neither succeeded nor failed.
func (c *Controller) Submit(ctx context.Context, desc utils.ResourceDescriptor, job func(ctx context.Context) error) error {
	log := utils.GetLogger("admission").With().Str("jobId", uuid.NewString()[:8]).Logger()
	host := HostOf(desc.URL)

	c.mu.Lock()
	key := c.matchKey(host)
	limiter := c.limiters[key]
	c.mu.Unlock()

	log.Debug().Str("host", host).Str("policyKey", key).Msg("Job queued")
	if err := limiter.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer limiter.sem.Release(1)
	log.Debug().Str("host", host).Msg("Admitted to host limiter")

	if err := c.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.global.Release(1)
	log.Debug().Str("host", host).Msg("Admitted globally, running")

	c.submitted.Add(1)
	c.mu.Lock()
	c.active[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active[key]--
		c.mu.Unlock()
	}()

	err := job(ctx)
	if err != nil {
		c.failed.Add(1)
		log.Debug().Err(err).Str("host", host).Msg("Job failed")
		return err
	}
	c.succeeded.Add(1)
	log.Debug().Str("host", host).Msg("Job succeeded")
	return nil
}

// UpdateHostLimit swaps in a freshly sized limiter for a host key. Jobs
// in flight keep the limiter instance they acquired until they finish.
func (c *Controller) UpdateHostLimit(hostKey string, limit int) {
	if limit <= 0 {
		limit = 1
	}
	log := utils.GetLogger("admission")
	c.mu.Lock()
	defer c.mu.Unlock()
	policy := c.policies[hostKey]
	policy.MaxConcurrent = limit
	c.policies[hostKey] = policy
	if _, known := c.limiters[hostKey]; !known && hostKey != DefaultPolicyKey {
		c.keys = append(c.keys, hostKey)
		sort.Strings(c.keys)
	}
	c.limiters[hostKey] = &hostLimiter{sem: semaphore.NewWeighted(int64(limit)), limit: int64(limit)}
	log.Info().Str("host", hostKey).Int("limit", limit).Msg("Host concurrency limit updated")
}

// Stats snapshots the process-lifetime counters.
func (c *Controller) Stats() Stats {
	stats := Stats{
		Submitted: c.submitted.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		Active:    make(map[string]int),
		Limits:    make(map[string]int64),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, count := range c.active {
		stats.Active[key] = count
	}
	for key, limiter := range c.limiters {
		stats.Limits[key] = limiter.limit
	}
	return stats
}
