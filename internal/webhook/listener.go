package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"stagehand/internal/logging"
)

// DefaultPath is the delivery path a listener accepts.
const DefaultPath = "/"

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Listener is one actor's inbound webhook endpoint.
type Listener struct {
	actor      string
	port       int
	path       string
	correlator *Correlator
	logger     *logging.Logger

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	served chan struct{}
	closed bool
}

// NewListener creates a listener for actor on port. Port 0 picks a free port.
func NewListener(actor string, port int, path string, correlator *Correlator) *Listener {
	if path == "" {
		path = DefaultPath
	}
	return &Listener{
		actor:      actor,
		port:       port,
		path:       path,
		correlator: correlator,
		logger:     logging.GetLogger("webhook").With("actor", actor),
	}
}

// Handler returns the gin engine serving deliveries for this listener.
func (l *Listener) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.POST(l.path, l.deliver)
	g.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": l.actor, "status": "ok"})
	})
	return g
}

func (l *Listener) deliver(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	ev, err := l.correlator.Deliver(c.Request.Context(), l.actor, body)
	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrNoCorrelationID):
		l.logger.Warn("rejected webhook delivery", "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
	case err != nil:
		l.logger.Error("storing webhook delivery failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"err": "failed to store event"})
	default:
		c.JSON(http.StatusOK, gin.H{"correlationId": ev.CorrelationID})
	}
}

// Start binds the port and serves in the background. The port is bound
// before Start returns.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("listener for %s already closed", l.actor)
	}
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("binding webhook listener for %s on port %d: %w", l.actor, l.port, err)
	}
	l.ln = ln
	l.srv = &http.Server{Handler: l.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := l.srv
	l.served = make(chan struct{})
	served := l.served
	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("webhook listener stopped", "err", err)
		}
	}()
	l.logger.Info("webhook listener started", "addr", ln.Addr().String(), "path", l.path)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Port returns the bound port, or the configured one before Start.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return l.port
	}
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the server and releases the port. Calling Close more than
// once, or on a listener that never started, is a no-op.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.srv == nil {
		return nil
	}
	err := l.srv.Shutdown(ctx)
	if err != nil {
		_ = l.srv.Close()
	}
	// Shutdown may win the race against Serve, which then closes ln only
	// on its way out.
	if cerr := l.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	<-l.served
	l.logger.Info("webhook listener stopped")
	return err
}
