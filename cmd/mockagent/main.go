// Command mockagent runs the mock multi-tenant agent API as a standalone
// server, with its token endpoint and webhook delivery.
//
// Usage:
//
//	mockagent [flags]
//
// Flags:
//
//	--port                Port to listen on (default: 8080)
//	--host                Host to bind to (default: localhost)
//	--latency             Delay of asynchronous state transitions (default: 50ms)
//	--duplicate-webhooks  Deliver every webhook event twice
//	--secret              Token signing secret
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"stagehand/internal/logging"
	"stagehand/testserver"
)

func main() {
	port := flag.Int("port", 8080, "port to listen on")
	host := flag.String("host", "localhost", "host to bind to")
	latency := flag.Duration("latency", 50*time.Millisecond, "delay of asynchronous state transitions")
	duplicates := flag.Bool("duplicate-webhooks", false, "deliver every webhook event twice")
	secret := flag.String("secret", "", "token signing secret")
	logLevel := logging.LevelInfo
	flag.Var(&logLevel, "log.level", "log level (debug, info, warn, error)")
	flag.Parse()

	if err := logging.Initialize(os.Stderr, logging.FmtLogfmt, logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	logger := logging.GetLogger("mockagent")

	mock := testserver.NewServer(testserver.Options{
		Latency:           *latency,
		Secret:            []byte(*secret),
		DuplicateWebhooks: *duplicates,
	})
	addr := fmt.Sprintf("%s:%d", *host, *port)
	srv := &http.Server{Addr: addr, Handler: mock.Handler(), ReadHeaderTimeout: 5 * time.Second}

	fmt.Println("Stagehand Mock Agent")
	fmt.Println("====================")
	fmt.Printf("Listening on http://%s\n\n", addr)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health                                   - Health check")
	fmt.Println("  POST /token                                    - Password grant")
	fmt.Println("  POST /wallets                                  - Create tenant wallet")
	fmt.Println("  POST /events/webhooks                          - Register webhook")
	fmt.Println("  POST /did-registrar/dids                       - Create DID")
	fmt.Println("  POST /did-registrar/dids/{did}/publications    - Publish DID")
	fmt.Println("  POST /schema-registry/schemas                  - Create schema")
	fmt.Println("  POST /connections                              - Create invitation")
	fmt.Println("  POST /connection-invitations                   - Accept invitation")
	fmt.Println("  POST /issue-credentials/credential-offers      - Offer credential")
	fmt.Println("  POST /issue-credentials/records/{id}/...       - Accept offer, issue")
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	mock.Close()
}
