// Package discovery advertises the bridge's HTTP API via mDNS and browses
// for compatible relays on the local network.
package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
)

// ServiceType identifies bridge/relay instances on the network.
const ServiceType = "_trevcan._tcp"

// Advertise registers the service via mDNS and returns a cleanup function.
// It always registers; whether mDNS is enabled is checked by the caller. An
// empty instance name becomes "trevcan-bridge-<hostname>".
func Advertise(ctx context.Context, instance string, port int, meta []string) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("trevcan-bridge-%s", host)
	}
	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// Relay is one discovered network relay.
type Relay struct {
	Instance string
	Host     string // host:port, usable as the network variant's channel
}

// Browser caches the relays seen on the network.
type Browser struct {
	mu     sync.Mutex
	relays map[string]Relay
}

// NewBrowser starts a background browse that refreshes the relay cache until
// ctx ends.
func NewBrowser(ctx context.Context) *Browser {
	b := &Browser{relays: make(map[string]Relay)}
	go b.loop(ctx)
	return b
}

// Relays returns the currently known relays, sorted by instance name.
func (b *Browser) Relays() []Relay {
	b.mu.Lock()
	out := make([]Relay, 0, len(b.relays))
	for _, r := range b.relays {
		out = append(out, r)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func (b *Browser) loop(ctx context.Context) {
	for {
		if err := b.browseOnce(ctx); err != nil {
			logging.L().Debug("mdns_browse_error", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
	}
}

func (b *Browser) browseOnce(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for e := range entries {
			if e == nil || len(e.AddrIPv4) == 0 {
				continue
			}
			r := Relay{
				Instance: e.Instance,
				Host:     fmt.Sprintf("%s:%d", e.AddrIPv4[0], e.Port),
			}
			b.mu.Lock()
			b.relays[e.Instance] = r
			b.mu.Unlock()
		}
	}()
	bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := resolver.Browse(bctx, ServiceType, "local.", entries); err != nil {
		return err
	}
	<-bctx.Done()
	return nil
}
