package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
	"golang.org/x/sync/semaphore"
)

// NewTransport creates the shared upstream HTTP transport.
func NewTransport(cfg config.TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		ForceAttemptHTTP2: true,
	}
}

// Pool bounds the number of concurrent calls per upstream address. A call
// that cannot check out a slot within the checkout timeout fails with
// PoolExhausted rather than queueing forever.
type Pool struct {
	size    int64
	timeout time.Duration
	sems    sync.Map // addr -> *semaphore.Weighted
}

// NewPool creates a pool with size slots per address. size <= 0 disables
// the bound.
func NewPool(size int, checkoutTimeout time.Duration) *Pool {
	return &Pool{size: int64(size), timeout: checkoutTimeout}
}

func (p *Pool) sem(addr string) *semaphore.Weighted {
	if s, ok := p.sems.Load(addr); ok {
		return s.(*semaphore.Weighted)
	}
	s, _ := p.sems.LoadOrStore(addr, semaphore.NewWeighted(p.size))
	return s.(*semaphore.Weighted)
}

// Checkout reserves a slot for addr. The returned release must be called
// once the call, including its response body, is finished.
func (p *Pool) Checkout(ctx context.Context, addr string) (release func(), err error) {
	if p == nil || p.size <= 0 {
		return func() {}, nil
	}

	sem := p.sem(addr)
	if !sem.TryAcquire(1) {
		waitCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		if err := sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return nil, Classify(ctx, ctx.Err())
			}
			return nil, errors.Wrap(errors.ErrPoolExhausted, err).WithDetails("no connection slot for " + addr)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}
