package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ewpratten/protomask/internal/core"
	"github.com/ewpratten/protomask/internal/log"
	"github.com/ewpratten/protomask/internal/metrics"
)

// Device is the packet I/O surface the engine runs against. A TUN
// device satisfies it.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Name() string
}

// pruneInterval is how often the background sweep reclaims idle
// leases. Eviction also happens lazily under allocation pressure.
const pruneInterval = 30 * time.Second

// Run processes packets from dev until the context is cancelled or
// the device fails. Each worker owns its buffers; translation never
// allocates per packet.
func (e *Engine) Run(ctx context.Context, dev Device, mtu, workers int) error {
	if workers < 1 {
		workers = 1
	}
	log.Infof("translating packets on %s with %d workers", dev.Name(), workers)

	if e.table != nil {
		go e.pruneLoop(ctx)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			errs <- e.worker(ctx, dev, mtu, worker)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) worker(ctx context.Context, dev Device, mtu, worker int) error {
	// The v4 -> v6 direction can grow a packet by up to 28 bytes (new
	// header plus a fragment header), and an ICMP error grows another
	// 20 when its embedded packet is translated too.
	in := make([]byte, mtu+48)
	out := make([]byte, mtu+48)

	for {
		n, err := dev.Read(in)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}

		pkt := in[:n]
		written, err := e.Translate(pkt, out)
		proto := protoLabel(pkt)
		if err != nil {
			metrics.PacketsTotal.WithLabelValues(proto, metrics.StatusDropped).Inc()
			metrics.DropsTotal.WithLabelValues(dropReason(err)).Inc()
			log.WithError(err).Debugf("dropping %s packet", proto)
			continue
		}

		if _, err := dev.Write(out[:written]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		metrics.PacketsTotal.WithLabelValues(proto, metrics.StatusTranslated).Inc()
	}
}

func (e *Engine) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.table.Prune(); n > 0 {
				log.Debugf("pruned %d idle leases", n)
			}
			e.updatePoolGauges()
		}
	}
}

func protoLabel(pkt []byte) string {
	if len(pkt) == 0 {
		return "unknown"
	}
	switch pkt[0] >> 4 {
	case 4:
		return "ipv4"
	case 6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// dropReason maps a per-packet error to a metrics label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, core.ErrTruncatedPacket):
		return "truncated"
	case errors.Is(err, core.ErrNonZeroReservedByte):
		return "reserved_byte"
	case errors.Is(err, core.ErrUnsupportedNextHeader):
		return "unsupported_next_header"
	case errors.Is(err, core.ErrTTLExceeded):
		return "ttl_exceeded"
	case errors.Is(err, core.ErrUntranslatable):
		return "untranslatable"
	case errors.Is(err, core.ErrNoMapping):
		return "no_mapping"
	case errors.Is(err, core.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, core.ErrUnknownFragment):
		return "unknown_fragment"
	case errors.Is(err, core.ErrShortBuffer):
		return "short_buffer"
	default:
		return "other"
	}
}
