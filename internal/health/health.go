// Package health implements the active health checker (spec.md §4.3):
// periodic CONNECT probes against each upstream descriptor, concurrent
// geolocation resolution, hot reload, and sticky-map pruning.
package health

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proxyguard/proxyguard/internal/selector"
	"github.com/proxyguard/proxyguard/internal/upstream"
)

const (
	dialTimeout    = 5 * time.Second
	readTimeout    = 5 * time.Second
	probeTarget    = "httpbin.org:443"
	maxProbeReply  = 16 * 1024
	probeChunkSize = 4096
	// maxConcurrentProbes bounds how many dial attempts the checker fans out
	// at once, a plain buffered-channel semaphore rather than a third-party
	// rate limiter (see DESIGN.md) so a pool of thousands of descriptors
	// cannot open thousands of simultaneous sockets.
	maxConcurrentProbes = 64
)

// Checker periodically probes every upstream descriptor in a registry.
type Checker struct {
	registry *upstream.Registry
	sticky   *selector.StickyMap
	geo      *upstream.GeoLocator
	interval time.Duration
	log      *zap.Logger

	sem chan struct{}
}

// New constructs a Checker.
func New(registry *upstream.Registry, sticky *selector.StickyMap, geo *upstream.GeoLocator, interval time.Duration, log *zap.Logger) *Checker {
	return &Checker{
		registry: registry,
		sticky:   sticky,
		geo:      geo,
		interval: interval,
		log:      log,
		sem:      make(chan struct{}, maxConcurrentProbes),
	}
}

// Probe runs a single CONNECT handshake against node's host:port, recording
// latency and health as described in spec.md §4.3.
func (c *Checker) Probe(node *upstream.Descriptor) {
	success, latencyMs := c.probeOnce(node)
	node.MarkProbeResult(success, latencyMs, time.Now().Unix())
}

func (c *Checker) probeOnce(node *upstream.Descriptor) (success bool, latencyMs int64) {
	start := time.Now()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", node.Host, node.Port), dialTimeout)
	if err != nil {
		return false, -1
	}
	defer conn.Close()

	req := "CONNECT " + probeTarget + " HTTP/1.1\r\nHost: " + probeTarget + "\r\n"
	if node.BasicCredential != "" {
		req += "Proxy-Authorization: Basic " + node.BasicCredential + "\r\n"
	}
	req += "\r\n"

	if err := conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		return false, -1
	}
	if _, err := conn.Write([]byte(req)); err != nil {
		return false, -1
	}

	var buf bytes.Buffer
	chunk := make([]byte, probeChunkSize)
	for !bytes.Contains(buf.Bytes(), []byte("\r\n\r\n")) {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return false, -1
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
		if buf.Len() > maxProbeReply {
			break
		}
	}

	firstLine := buf.Bytes()
	if idx := bytes.IndexAny(firstLine, "\r\n"); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	if !bytes.Contains(firstLine, []byte("200")) {
		return false, -1
	}

	return true, time.Since(start).Milliseconds()
}

// resolveLocationsIfUnknown resolves geolocation for every descriptor whose
// location is still "Unknown", bounded by the same probe semaphore.
func (c *Checker) resolveLocationsIfUnknown(descriptors []*upstream.Descriptor) {
	var wg sync.WaitGroup
	for _, d := range descriptors {
		label, _, _ := d.Location()
		if label != "Unknown" {
			continue
		}
		d := d
		wg.Add(1)
		c.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-c.sem }()
			c.geo.Resolve(d)
		}()
	}
	wg.Wait()
}

// probeAll runs Probe concurrently (bounded) across all descriptors.
func (c *Checker) probeAll(descriptors []*upstream.Descriptor) {
	var wg sync.WaitGroup
	for _, d := range descriptors {
		d := d
		wg.Add(1)
		c.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-c.sem }()
			c.Probe(d)
		}()
	}
	wg.Wait()
}

// Loop runs the background health cycle until ctx is cancelled: an immediate
// probe pass, then every interval a hot-reload check, a full probe pass,
// location resolution for still-unknown descriptors, and sticky-map pruning
// (spec.md §2, §4.3). While the registry is empty after the reload check, the
// remaining steps of that tick, pruning included, are skipped.
func (c *Checker) Loop(ctx context.Context) {
	if c.log != nil {
		c.log.Info("starting health check loop", zap.Duration("interval", c.interval))
	}

	descriptors := c.registry.Snapshot()
	c.probeAll(descriptors)
	c.resolveLocationsIfUnknown(descriptors)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.registry.ReloadIfChanged()

			descriptors := c.registry.Snapshot()
			if len(descriptors) == 0 {
				continue
			}
			c.probeAll(descriptors)
			c.resolveLocationsIfUnknown(descriptors)
			c.sticky.PruneExpired(time.Now())
		}
	}
}
