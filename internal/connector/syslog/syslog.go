// Package syslog implements the listener connector: a UDP, TCP or
// TCP+TLS server that reassembles framed syslog lines, parses RFC5424
// with an RFC3164 fallback, filters, and emits raw events. A line that
// matches neither RFC is kept raw with the peer address as hostname;
// nothing a peer sends can tear the listener down.
package syslog

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/vault"
)

const (
	maxLineBytes = 1 << 20 // a single framed line never exceeds 1 MiB
	bindAttempts = 3
	bindRetryGap = 2 * time.Second
)

// Config is the syslog connector's typed configuration.
type Config struct {
	Protocol    string    `json:"protocol"` // udp, tcp, tls
	Port        int       `json:"port"`
	BindAddress string    `json:"bindAddress,omitempty"`
	TLS         TLSConfig `json:"tls,omitempty"`
	Filters     Filters   `json:"filters,omitempty"`
}

// TLSConfig carries the server certificate material; inline PEM from the
// vault credentials takes precedence over these file paths.
type TLSConfig struct {
	CertFile          string `json:"certFile,omitempty"`
	KeyFile           string `json:"keyFile,omitempty"`
	CAFile            string `json:"caFile,omitempty"`
	RequireClientCert bool   `json:"requireClientCert,omitempty"`
}

// Filters combine conjunctively; empty lists pass everything.
type Filters struct {
	Facilities []int    `json:"facilities,omitempty"`
	Severities []int    `json:"severities,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Include    []string `json:"include,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
}

func (f *Filters) allow(m *Message) bool {
	if len(f.Facilities) > 0 && !slices.Contains(f.Facilities, m.Facility) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, m.Severity) {
		return false
	}
	if len(f.Sources) > 0 && !containsFold(f.Sources, m.Hostname) {
		return false
	}
	if len(f.Include) > 0 {
		hit := false
		for _, sub := range f.Include {
			if strings.Contains(m.Raw, sub) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, sub := range f.Exclude {
		if strings.Contains(m.Raw, sub) {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ParseConfig decodes and validates the opaque configuration JSON.
func ParseConfig(raw []byte, strict bool, log zerolog.Logger) (Config, error) {
	cfg := Config{Protocol: "udp", Port: 514}
	if err := connector.DecodeConfig(raw, &cfg, strict, log); err != nil {
		return cfg, err
	}
	switch cfg.Protocol {
	case "udp", "tcp", "tls":
	default:
		return cfg, fmt.Errorf("syslog: unsupported protocol %q", cfg.Protocol)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("syslog: port %d out of range", cfg.Port)
	}
	return cfg, nil
}

// Syslog is the listener connector.
type Syslog struct {
	connector.Base

	creds   *vault.Credentials
	metrics *monitoring.Metrics

	cfgMu sync.RWMutex
	cfg   Config

	mu     sync.Mutex
	cancel context.CancelFunc
	udp    *net.UDPConn
	ln     net.Listener
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New builds the connector from its record. Configuration errors surface
// here, before anything binds.
func New(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink, metrics *monitoring.Metrics) (*Syslog, error) {
	base := connector.NewBase(rec, sink)
	cfg, err := ParseConfig(rec.Configuration, false, base.Log)
	if err != nil {
		return nil, err
	}
	return &Syslog{
		Base:    base,
		creds:   creds,
		metrics: metrics,
		cfg:     cfg,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the configured transport and launches the read loops.
// Bind failures are retried a few times before the connector lands in
// error.
func (s *Syslog) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("syslog: already running")
	}
	s.mu.Unlock()

	var bindErr error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bindRetryGap):
			}
		}
		if bindErr = s.bind(); bindErr == nil {
			break
		}
		s.Log.Warn().Err(bindErr).Int("attempt", attempt+1).Msg("bind failed")
	}
	if bindErr != nil {
		s.SetStatus(model.StatusError, bindErr.Error())
		return bindErr
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	udp, ln := s.udp, s.ln
	s.mu.Unlock()

	s.MarkStarted()

	cfg := s.config()
	if udp != nil {
		s.wg.Add(1)
		go s.serveUDP(ctx, udp)
	}
	if ln != nil {
		transport := "tcp"
		if cfg.Protocol == "tls" {
			transport = "tls"
		}
		s.wg.Add(1)
		go s.serveStream(ctx, ln, transport)
	}

	s.Log.Info().
		Str("protocol", cfg.Protocol).
		Int("port", cfg.Port).
		Msg("syslog listener up")
	return nil
}

func (s *Syslog) bind() error {
	cfg := s.config()
	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))

	switch cfg.Protocol {
	case "udp":
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("syslog: resolve %s: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("syslog: bind udp %s: %w", addr, err)
		}
		s.mu.Lock()
		s.udp = conn
		s.mu.Unlock()

	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("syslog: bind tcp %s: %w", addr, err)
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()

	case "tls":
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			return err
		}
		ln, err := tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return fmt.Errorf("syslog: bind tls %s: %w", addr, err)
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
	}
	return nil
}

func (s *Syslog) tlsConfig() (*tls.Config, error) {
	cfg := s.config()

	var cert tls.Certificate
	var err error
	if s.creds != nil && s.creds.Certificate != "" && s.creds.PrivateKey != "" {
		cert, err = tls.X509KeyPair([]byte(s.creds.Certificate), []byte(s.creds.PrivateKey))
	} else {
		cert, err = tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("syslog: load server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLS.RequireClientCert {
		var pem []byte
		if s.creds != nil && s.creds.CustomFields["ca"] != "" {
			pem = []byte(s.creds.CustomFields["ca"])
		} else if cfg.TLS.CAFile != "" {
			pem, err = os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("syslog: read ca file: %w", err)
			}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("syslog: client ca pool is empty")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.ClientCAs = pool
	}
	return tlsCfg, nil
}

func (s *Syslog) serveUDP(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.EmitError("read", err)
			continue
		}
		s.RecordBytes(n)
		s.handleLine(string(buf[:n]), addr.IP.String(), "udp")
	}
}

func (s *Syslog) serveStream(ctx context.Context, ln net.Listener, transport string) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.EmitError("accept", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go s.serveConn(ctx, conn, transport)
	}
}

// serveConn reads newline-framed messages until the peer goes away. The
// scanner carries partial tails across reads; a TLS handshake failure
// surfaces as the first read error and only costs an error counter.
func (s *Syslog) serveConn(ctx context.Context, conn net.Conn, transport string) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	peer := peerIP(conn.RemoteAddr())
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		s.RecordBytes(len(line) + 1)
		s.handleLine(line, peer, transport)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		s.EmitError("read", err)
	}
}

func (s *Syslog) handleLine(line, peer, transport string) {
	if strings.TrimSpace(line) == "" {
		s.metrics.SyslogDropped.WithLabelValues(s.Name(), "parse").Inc()
		return
	}

	msg := Parse(line, peer)

	filters := s.config().Filters
	if !filters.allow(msg) {
		s.metrics.SyslogDropped.WithLabelValues(s.Name(), "filter").Inc()
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Raw
	}
	delivered := s.EmitEvent(model.RawEvent{
		Timestamp: msg.Timestamp,
		Source:    msg.Hostname,
		Message:   text,
		Severity:  msg.Bucket(),
		RawData: map[string]any{
			"facility": msg.Facility,
			"severity": msg.Severity,
			"hostname": msg.Hostname,
			"appName":  msg.AppName,
			"procId":   msg.ProcID,
			"msgId":    msg.MsgID,
			"protocol": transport,
			"sourceIp": peer,
			"rfc":      msg.RFC,
			"raw":      msg.Raw,
		},
	})
	if delivered {
		s.metrics.SyslogMessages.WithLabelValues(s.Name(), transport).Inc()
	}
}

func (s *Syslog) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Syslog) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Stop tears down every socket and waits for the loops. After it returns
// the connector holds no open sockets.
func (s *Syslog) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	udp, ln := s.udp, s.ln
	s.udp, s.ln = nil, nil
	open := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if udp != nil {
		udp.Close()
	}
	if ln != nil {
		ln.Close()
	}
	for _, c := range open {
		c.Close()
	}
	s.wg.Wait()

	s.SetStatus(model.StatusDisabled, "")
	s.Log.Info().Msg("syslog listener stopped")
	return nil
}

// HealthCheck reports whether the listener is still bound.
func (s *Syslog) HealthCheck(ctx context.Context) connector.Health {
	h := connector.Health{LastChecked: time.Now()}
	s.mu.Lock()
	running := s.cancel != nil && (s.udp != nil || s.ln != nil)
	s.mu.Unlock()

	cfg := s.config()
	if running {
		h.Healthy = true
		h.Message = fmt.Sprintf("listening on %s :%d", cfg.Protocol, cfg.Port)
	} else {
		h.Message = "listener not bound"
	}
	return h
}

// TestConnection probes whether the configured port can be bound. A
// running listener passes trivially.
func (s *Syslog) TestConnection(ctx context.Context) connector.TestResult {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()

	cfg := s.config()
	if running {
		return connector.TestResult{Success: true, Message: fmt.Sprintf("listener active on %s :%d", cfg.Protocol, cfg.Port)}
	}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	if cfg.Protocol == "udp" {
		probe, err := net.ListenPacket("udp", addr)
		if err != nil {
			return connector.TestResult{Success: false, Message: err.Error()}
		}
		probe.Close()
	} else {
		probe, err := net.Listen("tcp", addr)
		if err != nil {
			return connector.TestResult{Success: false, Message: err.Error()}
		}
		probe.Close()
	}
	return connector.TestResult{Success: true, Message: fmt.Sprintf("port %d available", cfg.Port)}
}

// UpdateConfig overlays a sparse patch onto the current configuration.
// Filters swap live; transport changes require a stop/start cycle and
// are rejected while running.
func (s *Syslog) UpdateConfig(patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("syslog: encode patch: %w", err)
	}
	cur := s.config()
	next := cur
	if err := connector.DecodeConfig(raw, &next, false, s.Log); err != nil {
		return err
	}

	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if running && (next.Protocol != cur.Protocol || next.Port != cur.Port || next.BindAddress != cur.BindAddress || next.TLS != cur.TLS) {
		return errors.New("syslog: transport changes require restart")
	}

	s.cfgMu.Lock()
	s.cfg = next
	s.cfgMu.Unlock()
	return nil
}

func (s *Syslog) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func peerIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
