// Command gatewayd runs the rendezvous gateway as a standalone process,
// the way Atsika-aznet's own cmd/azurl bootstrapped a driver from flags and
// environment variables before handing off to the library. Here every
// setting instead comes from the environment (see internal/config), since
// a gateway process is meant to run under a process supervisor or
// container orchestrator, not be driven interactively.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/devolutions/gateway-go"
	"github.com/devolutions/gateway-go/internal/config"
	"github.com/devolutions/gateway-go/internal/gwlog"
	"github.com/devolutions/gateway-go/internal/pcaptap"
	"github.com/devolutions/gateway-go/internal/session"
	"github.com/devolutions/gateway-go/internal/token"
)

// jrlRefreshInterval is how often a configured Azure Table JRL mirror
// re-syncs its in-memory snapshot.
const jrlRefreshInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if err := cfg.UnmarshalEnv(os.Environ()); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := gwlog.New(nil, cfg.LogLevel, cfg.LogPretty)

	pubKey, err := parsePublicKey(cfg.TokenPublicKeyPEM)
	if err != nil {
		return fmt.Errorf("parse %s: %w", "GATEWAY_TOKEN_PUBLIC_KEY", err)
	}

	var opts []gateway.Option
	opts = append(opts, gateway.WithLogger(gwlog.Component(log, "gateway")))

	if cfg.JRLTableURL != "" {
		client, err := aztables.NewClientWithNoCredential(cfg.JRLTableURL, nil)
		if err != nil {
			return fmt.Errorf("jrl table client: %w", err)
		}
		mem := token.NewMemoryRevocationList()
		mirror := token.NewTableMirror(client, mem, jrlRefreshInterval)
		mirror.Start()
		defer mirror.Close()
		opts = append(opts, gateway.WithRevocationList(mem))
	}

	if cfg.PCAPArchiveContainerURL != "" {
		client, err := container.NewClientWithNoCredential(cfg.PCAPArchiveContainerURL, nil)
		if err != nil {
			return fmt.Errorf("pcap archive container client: %w", err)
		}
		opts = append(opts, gateway.WithArchiveUploader(pcaptap.NewArchiveUploader(client)))
	}

	if cfg.SessionEventsQueueURL != "" {
		client, err := azqueue.NewQueueClientWithNoCredential(cfg.SessionEventsQueueURL, nil)
		if err != nil {
			return fmt.Errorf("session events queue client: %w", err)
		}
		opts = append(opts, gateway.WithSessionNotifier(session.NewQueueNotifier(client)))
	}

	srv, err := gateway.New(cfg, pubKey, opts...)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil {
			errc <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	if cfg.ListenAddrWS != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServeWS(); err != nil {
				errc <- fmt.Errorf("ws listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errc:
		log.Error().Err(err).Msg("listener failed")
	}

	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Msg("gateway close")
	}
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// parsePublicKey decodes a PEM-encoded PKIX RSA public key. This is a
// one-shot startup step, not a recurring domain concern, so it uses the
// standard library directly rather than a third-party PEM/JWT helper.
func parsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	if pemStr == "" {
		return nil, errors.New("empty key")
	}
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not *rsa.PublicKey", pub)
	}
	return rsaKey, nil
}
