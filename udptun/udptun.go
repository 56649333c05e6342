// Package udptun implements the UDP tunnel front-end (spec.md §4.F): binds
// the local UDP socket, maintains the LRU association table, and runs the
// receive loop that demultiplexes datagrams onto per-client udpassoc
// workers. The association table uses hashicorp/golang-lru/v2/expirable,
// which combines recency-on-access LRU eviction with a per-entry TTL in
// one structure — the natural Go-ecosystem replacement for the teacher
// pack's hand-rolled session maps (e.g. other_examples' Split-Tunnel-VPN
// UDPProxy.sessions) and for spec.md §3's "association table, LRU +
// time_to_live".
package udptun

import (
	"context"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shadowtun/relaycore/config"
	"github.com/shadowtun/relaycore/relay"
	"github.com/shadowtun/relaycore/stats"
	"github.com/shadowtun/relaycore/udpassoc"
)

// newAssocRateLimit bounds how many brand-new associations the front-end
// will create per second, independent of the LRU's size cap. This guards
// against a burst of distinct peer addresses (or a spoofed-source flood)
// driving unbounded association-creation churn — the "Local resource"
// error category spec.md §7 names — without touching the steady-state
// per-association queueing spec.md §4.E already governs.
const newAssocRateLimit = 2000

// Resolver resolves a configured local bind address, which spec.md §4.F
// allows to be a domain name.
type Resolver func(ctx context.Context, host string) (string, error)

// Front binds a local UDP socket and dispatches datagrams across
// per-client associations.
type Front struct {
	conn     *net.UDPConn
	table    *lru.LRU[string, *udpassoc.Association]
	balancer relay.Balancer
	stats    *stats.FlowStats
	log      *zap.Logger
	cfg      config.UDPConfig

	keepalive chan net.Addr

	newAssocLimiter *rate.Limiter

	resolveForward func(ctx context.Context, peer net.Addr) (forwardAddr string, err error)
}

// Options bundles Front's dependencies.
type Options struct {
	ListenAddr string
	Config     config.UDPConfig
	Balancer   relay.Balancer
	Stats      *stats.FlowStats
	Log        *zap.Logger

	// ResolveForward determines the original destination a given client
	// datagram should be forwarded to. The transparent-proxy destination
	// recovery mechanism (e.g. SO_ORIGINAL_DST) is platform-specific and
	// out of this module's scope (spec.md §1); callers supply it.
	ResolveForward func(ctx context.Context, peer net.Addr) (string, error)

	// ResolveListenHost resolves a configured local bind address's host
	// part when it names a domain rather than a literal IP, per spec.md
	// §4.F ("resolving a domain name if configured"). Nil skips
	// resolution, the common case of a literal bind address.
	ResolveListenHost Resolver
}

// Bind opens the local UDP socket and constructs a Front. Call Run to
// start servicing it.
func Bind(ctx context.Context, opts Options) (*Front, error) {
	listenAddr := opts.ListenAddr
	if opts.ResolveListenHost != nil {
		host, port, err := net.SplitHostPort(listenAddr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) == nil {
			resolved, err := opts.ResolveListenHost(ctx, host)
			if err != nil {
				return nil, err
			}
			listenAddr = net.JoinHostPort(resolved, port)
		}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	if cfg.TimeToLive <= 0 {
		cfg.TimeToLive = config.DefaultTimeToLive
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = config.DefaultAssocQueueSize
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	f := &Front{
		conn:            conn,
		balancer:        opts.Balancer,
		stats:           opts.Stats,
		log:             log,
		cfg:             cfg,
		newAssocLimiter: rate.NewLimiter(rate.Limit(newAssocRateLimit), newAssocRateLimit),
		keepalive:       make(chan net.Addr, 256),
		resolveForward:  opts.ResolveForward,
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1 << 20 // effectively unbounded; spec.md §3 marks Capacity optional
	}
	f.table = lru.NewLRU[string, *udpassoc.Association](capacity, f.onEvict, cfg.TimeToLive)

	return f, nil
}

// OptionsFromServiceContext builds Options from a relay.ServiceContext,
// wiring its ResolveName (spec.md §6's "name resolution") in as the bind
// address resolver and its Stats handle through, so callers don't have to
// duplicate ServiceContext's fields into Options by hand.
func OptionsFromServiceContext(listenAddr string, balancer relay.Balancer, sc relay.ServiceContext, cfg config.UDPConfig, log *zap.Logger) Options {
	var resolveHost Resolver
	if sc.ResolveName != nil {
		resolveHost = Resolver(sc.ResolveName)
	}
	return Options{
		ListenAddr:        listenAddr,
		Config:            cfg,
		Balancer:          balancer,
		Stats:             sc.Stats,
		Log:               log,
		ResolveListenHost: resolveHost,
	}
}

func (f *Front) onEvict(key string, assoc *udpassoc.Association) {
	assoc.Close()
	if f.stats != nil {
		f.stats.UDPAssociationClosed()
	}
}

// LocalAddr returns the bound local address.
func (f *Front) LocalAddr() net.Addr { return f.conn.LocalAddr() }

// Close releases the local socket and evicts every association.
func (f *Front) Close() error {
	f.table.Purge()
	return f.conn.Close()
}

// Run drives the three concurrent tasks spec.md §4.F names: the main
// receive loop, the LRU cleanup sweep, and the keep-alive handler. It
// blocks until ctx is cancelled; receive errors are retried after a pause,
// never returned.
func (f *Front) Run(ctx context.Context) error {
	go f.cleanupLoop(ctx)
	go f.keepaliveLoop(ctx)
	return f.recvLoop(ctx)
}

// cleanupLoop implements spec.md §4.F's "LRU cleanup": sleeps TTL, then
// touches the map so expired entries are purged. expirable.LRU evicts
// lazily on access, so a sweep over Keys (each a Get) is sufficient to
// force eviction of anything that has aged out since the last sweep.
func (f *Front) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.TimeToLive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, k := range f.table.Keys() {
				f.table.Get(k)
			}
		}
	}
}

// keepaliveLoop implements spec.md §4.F's "Keep-alive handler": receives
// peer addresses from associations that just heard from upstream, and
// touches their entry to refresh LRU recency and reset its TTL.
//
// expirable.LRU's Get only bumps recency order; it does not reset the
// entry's expiry (only Add does). Re-adding the existing association on
// every keep-alive is what actually implements spec.md §8 property 7's
// "every upstream->client datagram causes... the association's recency to
// update" as a sliding-window TTL rather than a fixed creation-time one.
func (f *Front) keepaliveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer := <-f.keepalive:
			key := peer.String()
			if assoc, ok := f.table.Get(key); ok {
				f.table.Add(key, assoc)
			}
		}
	}
}

// recvLoop implements spec.md §4.F's main loop. A recv_from error pauses
// one second then retries, per spec.md §7's "Fatal" error policy for the
// local listener.
func (f *Front) recvLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, addr, err := f.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("udptun: recv_from failed, pausing before retry", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		payload := append([]byte(nil), buf[:n]...)
		f.dispatch(ctx, addr, payload)
	}
}

// dispatch looks up or creates the association for addr, then try_sends
// payload onto it, under the map lock (spec.md §4.F, "under the map
// lock, look up or create an association, then try_send the payload").
// expirable.LRU's own internal mutex provides that guard; callers never
// need a second lock around Get/Add.
func (f *Front) dispatch(ctx context.Context, addr net.Addr, payload []byte) {
	key := addr.String()
	if assoc, ok := f.table.Get(key); ok {
		// Get alone only bumps LRU recency; it does not reset the entry's
		// TTL (only Add does). Re-add on every hit so a busy association
		// is kept alive by its own traffic instead of being evicted at
		// creation_time+TTL out from under an in-flight flow (spec.md §8
		// property 7).
		f.table.Add(key, assoc)
		if err := assoc.TrySend(payload); err != nil {
			f.log.Warn("udptun: dropped datagram, association queue full", zap.String("peer", key), zap.Error(err))
		}
		return
	}

	if !f.newAssocLimiter.Allow() {
		f.log.Warn("udptun: dropped datagram, new-association rate exceeded", zap.String("peer", key))
		if f.stats != nil {
			f.stats.UDPDropped()
		}
		return
	}

	// A Get miss above can mean either no entry ever existed, or a stale
	// entry already expired but not yet swept by cleanupLoop. expirable's
	// Add silently overwrites an existing key's value without invoking
	// onEvict, which would otherwise leak the old association's worker
	// goroutine and upstream socket. Remove first so any such stale entry
	// is evicted (and its worker closed) before a fresh one takes its
	// place.
	f.table.Remove(key)

	forwardAddr := key
	if f.resolveForward != nil {
		resolved, err := f.resolveForward(ctx, addr)
		if err != nil {
			f.log.Warn("udptun: failed to resolve forward address", zap.String("peer", key), zap.Error(err))
			return
		}
		forwardAddr = resolved
	}

	assoc := udpassoc.New(ctx, udpassoc.Config{
		PeerAddr:    addr,
		ForwardAddr: forwardAddr,
		Balancer:    f.balancer,
		Local:       f.conn,
		Stats:       f.stats,
		Log:         f.log,
		Keepalive:   f.keepalive,
		QueueSize:   f.cfg.QueueCapacity,
	})
	f.table.Add(key, assoc)
	if f.stats != nil {
		f.stats.UDPAssociationOpened()
	}

	// The new association is installed before the first send completes,
	// so a queue-full on this very first packet still leaves it ready for
	// subsequent traffic (spec.md §4.F).
	if err := assoc.TrySend(payload); err != nil {
		f.log.Warn("udptun: dropped datagram on new association", zap.String("peer", key), zap.Error(err))
	}
}
