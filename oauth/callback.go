package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	ErrStateMismatch = errors.New("oauth callback state mismatch")
	ErrMissingState  = errors.New("expected state is required")
)

// CodeReceiver completes a grant from a callback code. *Manager implements it.
type CodeReceiver interface {
	AuthorizeWithCode(ctx context.Context, code string) error
}

// CallbackListener is a short-lived HTTP listener for the authorization
// redirect. It validates state, hands the code to its receiver and stops
// itself after the first successful grant.
type CallbackListener struct {
	Addr     string // listen address, e.g. 127.0.0.1:3000
	Path     string // default /auth/callback
	State    string
	Receiver CodeReceiver
	Timeout  time.Duration // 0 waits until Stop
	Log      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// Start binds the listener and serves in the background. A failed Start
// stops the listener with the returned error.
func (c *CallbackListener) Start() error {
	if c.State == "" {
		c.finish(ErrMissingState)
		return ErrMissingState
	}
	if c.Receiver == nil {
		err := errors.New("callback listener has no receiver")
		c.finish(err)
		return err
	}
	if c.Path == "" {
		c.Path = "/auth/callback"
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(slog.String("component", "oauth_callback"))

	ln, err := net.Listen("tcp", c.Addr)
	if err != nil {
		err = fmt.Errorf("listen callback server: %w", err)
		c.finish(err)
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(c.Path, c.handle)

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv, done := c.server, c.doneLocked()
	c.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.finish(err)
		}
	}()
	if c.Timeout > 0 {
		go func() {
			t := time.NewTimer(c.Timeout)
			defer t.Stop()
			select {
			case <-t.C:
				c.Log.Warn("authorization callback timed out")
				c.finish(context.DeadlineExceeded)
			case <-done:
			}
		}()
	}
	c.Log.Info("waiting for authorization callback", slog.String("addr", ln.Addr().String()), slog.String("path", c.Path))
	return nil
}

// ListenAddr is the bound address, useful when Addr used port 0.
func (c *CallbackListener) ListenAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the listener down. Safe to call more than once.
func (c *CallbackListener) Stop() error {
	c.finish(nil)
	return c.Err()
}

// Done is closed once the listener stopped, including after a failed Start.
func (c *CallbackListener) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneLocked()
}

func (c *CallbackListener) doneLocked() chan struct{} {
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Err reports why the listener stopped; nil after a successful grant or Stop.
func (c *CallbackListener) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *CallbackListener) finish(err error) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		srv, done := c.server, c.doneLocked()
		c.mu.Unlock()
		if srv == nil {
			close(done)
			return
		}
		// Shutdown from inside a handler would wait on itself.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			close(done)
		}()
	})
}

func (c *CallbackListener) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != c.State {
		c.Log.Warn("authorization callback state mismatch")
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	if e := q.Get("error"); e != "" {
		if d := q.Get("error_description"); d != "" {
			e += ": " + d
		}
		c.Log.Warn("authorization denied", slog.String("error", e))
		http.Error(w, "authorization failed", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Receiver.AuthorizeWithCode(ctx, code); err != nil {
		c.Log.Error("authorization code exchange failed", slog.Any("err", err))
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Authorization complete. You can close this window."))
	c.finish(nil)
}
