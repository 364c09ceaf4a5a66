package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/Prince364133/hubsnap-sub002/internal/metrics"
)

var errPoolClosed = errors.New("transfer client is closed")

type pooledConn struct {
	client  *smtp.Client
	netConn net.Conn
}

type dialFunc func(ctx context.Context) (*pooledConn, error)

// pool bounds concurrent SMTP sessions and keeps healthy ones for reuse.
type pool struct {
	settings Settings
	dial     dialFunc
	logger   *log.Logger
	sem      chan struct{}

	mu     sync.Mutex
	idle   []*pooledConn
	closed bool
}

func newPool(settings Settings) *pool {
	p := &pool{
		settings: settings,
		sem:      make(chan struct{}, settings.PoolSize),
		logger:   log.Default(),
	}
	p.dial = p.dialSMTP
	return p
}

func (p *pool) acquire(ctx context.Context) (*pooledConn, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		pc, err := p.popIdle()
		if err != nil {
			<-p.sem
			return nil, err
		}
		if pc == nil {
			break
		}
		if err := pc.client.Noop(); err == nil {
			return pc, nil
		}
		p.closeConn(pc)
	}

	pc, err := p.dial(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}
	metrics.TransferDials.Inc()
	return pc, nil
}

func (p *pool) popIdle() (*pooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	pc := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return pc, nil
}

// release resets the session and parks it for the next send.
func (p *pool) release(pc *pooledConn) {
	defer func() { <-p.sem }()

	if err := pc.client.Reset(); err != nil {
		p.closeConn(pc)
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeConn(pc)
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

func (p *pool) discard(pc *pooledConn) {
	p.closeConn(pc)
	<-p.sem
}

func (p *pool) closeConn(pc *pooledConn) {
	if err := pc.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Printf("closing SMTP connection: %v", err)
	}
}

func (p *pool) close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, pc := range idle {
		if err := pc.client.Quit(); err != nil {
			errs = append(errs, err)
			_ = pc.client.Close()
		}
	}
	return errors.Join(errs...)
}

func (p *pool) dialSMTP(ctx context.Context) (*pooledConn, error) {
	s := p.settings
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	dialer := &net.Dialer{Timeout: s.DialTimeout}
	tlsConfig := &tls.Config{
		ServerName:         s.Host,
		InsecureSkipVerify: s.SkipVerify,
	}

	var (
		conn net.Conn
		err  error
	)
	if s.Security == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}

	// The handshake runs before the command timeouts can be applied, so the
	// dial context bounds it by closing the socket.
	handshakeCtx, cancel := context.WithTimeout(ctx, s.DialTimeout+s.CommandTimeout)
	defer cancel()
	stop := context.AfterFunc(handshakeCtx, func() { _ = conn.Close() })
	defer stop()

	var client *smtp.Client
	if s.Security == "starttls" {
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, wrapSMTPError("STARTTLS", err)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	client.CommandTimeout = s.CommandTimeout
	client.SubmissionTimeout = s.CommandTimeout

	fail := func(stage string, err error) (*pooledConn, error) {
		_ = client.Close()
		return nil, wrapSMTPError(stage, err)
	}

	// After STARTTLS the session is reset and EHLO is sent again with our name.
	if err := client.Hello(s.HelloName); err != nil {
		return fail("EHLO", err)
	}
	if err := client.Auth(saslClient(s)); err != nil {
		return fail("AUTH", err)
	}
	if !stop() {
		_ = client.Close()
		return nil, wrapSMTPError("connect", handshakeCtx.Err())
	}
	return &pooledConn{client: client, netConn: conn}, nil
}

func saslClient(s Settings) sasl.Client {
	if strings.EqualFold(strings.TrimSpace(s.AuthType), "login") {
		return sasl.NewLoginClient(s.Username, s.Password)
	}
	return sasl.NewPlainClient("", s.Username, s.Password)
}
