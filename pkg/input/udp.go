package input

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"

	"logpipe/pkg/chunk"
	"logpipe/pkg/codec"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

const maxDatagram = 65536

// UDPConfig configures a GELF UDP listener.
type UDPConfig struct {
	ID             string
	Address        string
	RecvBufferSize int
	Readers        int
}

// UDP receives GELF datagrams, reassembling chunked ones. Anything that
// cannot be journaled is dropped and counted.
type UDP struct {
	cfg   UDPConfig
	entry *Entry
	ra    *chunk.Reassembler

	conn *net.UDPConn
	wg   sync.WaitGroup

	datagrams prometheus.Counter
	dropped   *prometheus.CounterVec
}

func NewUDP(cfg UDPConfig, entry *Entry, ra *chunk.Reassembler, reg *metric.Registry) *UDP {
	if cfg.ID == "" {
		cfg.ID = "gelf-udp"
	}
	if cfg.Readers <= 0 {
		cfg.Readers = 1
	}
	return &UDP{
		cfg:       cfg,
		entry:     entry,
		ra:        ra,
		datagrams: reg.CounterVec("udp", "datagrams_total", "Datagrams received.", "input").WithLabelValues(cfg.ID),
		dropped:   reg.CounterVec("udp", "dropped_total", "Datagrams or messages dropped.", "input", "reason"),
	}
}

// Start binds the socket and starts the readers.
func (u *UDP) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", u.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", u.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", u.cfg.Address, err)
	}
	if u.cfg.RecvBufferSize > 0 {
		if err := conn.SetReadBuffer(u.cfg.RecvBufferSize); err != nil {
			logger.Warn("udp_recv_buffer_not_set", "input", u.cfg.ID, "size", u.cfg.RecvBufferSize, "error", err)
		}
	}
	u.conn = conn
	for i := 0; i < u.cfg.Readers; i++ {
		u.wg.Add(1)
		go u.readLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	logger.Info("input_started", "input", u.cfg.ID, "transport", "udp", "addr", conn.LocalAddr().String())
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (u *UDP) Addr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Stop closes the socket and waits for the readers.
func (u *UDP) Stop() {
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.wg.Wait()
	logger.Info("input_stopped", "input", u.cfg.ID)
}

func (u *UDP) readLoop(ctx context.Context) {
	defer u.wg.Done()
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < maxDatagram {
		buf.B = make([]byte, maxDatagram)
	}
	buf.B = buf.B[:maxDatagram]

	for {
		n, remote, err := u.conn.ReadFromUDP(buf.B)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("udp_read_failed", "input", u.cfg.ID, "error", err)
			continue
		}
		u.datagrams.Inc()
		u.handle(buf.B[:n], remote)
	}
}

// handle is called with a buffer that is reused after it returns; the
// reassembler and the journal envelope both copy what they keep.
func (u *UDP) handle(data []byte, remote *net.UDPAddr) {
	payload := data
	if chunk.IsChunked(data) {
		full, complete, err := u.ra.OnChunk(data)
		if err != nil {
			u.dropped.WithLabelValues(u.cfg.ID, "invalid_chunk").Inc()
			logger.Debug("udp_chunk_rejected", "input", u.cfg.ID, "remote", remote.String(), "error", err)
			return
		}
		if !complete {
			return
		}
		payload = full
	}

	raw := models.NewRawMessage(codec.GELFName, u.cfg.ID, payload)
	raw.RemoteIP = remote.IP.String()
	raw.RemotePort = remote.Port
	if err := u.entry.Ingest(raw); err != nil {
		reason := "journal"
		if errors.Is(err, ErrNotAccepting) {
			reason = "not_accepting"
		}
		u.dropped.WithLabelValues(u.cfg.ID, reason).Inc()
	}
}
