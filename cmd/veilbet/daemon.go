package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/veilbet/veilbet/holder"
	"github.com/veilbet/veilbet/key"
	"github.com/veilbet/veilbet/ledger"
	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/metrics"
	"github.com/veilbet/veilbet/pre"
	"github.com/veilbet/veilbet/processor"
	"github.com/veilbet/veilbet/quorum"
	"github.com/veilbet/veilbet/relay"
)

const shutdownGrace = 5 * time.Second

func holderCmd(c *cli.Context) error {
	l := contextToLogger(c).Named("holder")
	store := key.NewFileStore(c.String(folderFlag.Name))

	frag, err := store.LoadFragment()
	if err != nil {
		return fmt.Errorf("loading fragment: %w", err)
	}
	group, err := store.LoadGroup()
	if err != nil {
		return fmt.Errorf("loading group: %w", err)
	}
	mode, err := holder.ParseFaultMode(c.String(faultModeFlag.Name))
	if err != nil {
		return err
	}
	if mode != holder.Healthy {
		l.Warnw("starting with fault injection enabled", "mode", mode)
	}

	h := holder.New(frag, group, holder.WithFaultMode(mode), holder.WithLogger(l))
	l.Infow("holder starting", "index", h.Index(), "group", fmt.Sprintf("%x", group.Hash()))
	return serveDaemon(c, l, holder.NewHandler(h, l))
}

func processorCmd(c *cli.Context) error {
	l := contextToLogger(c).Named("processor")
	store := key.NewFileStore(c.String(folderFlag.Name))

	group, err := store.LoadGroup()
	if err != nil {
		return fmt.Errorf("loading group: %w", err)
	}
	receiver, err := store.LoadPair()
	if err != nil {
		return fmt.Errorf("loading receiving keypair: %w", err)
	}
	signer, err := store.LoadSigningKey()
	if err != nil {
		return err
	}

	opts := []processor.ProcessorOption{processor.WithLogger(l)}
	if c.IsSet(revealEveryFlag.Name) {
		opts = append(opts, processor.WithRevealEvery(c.Int(revealEveryFlag.Name)))
	}
	p := processor.New(group, receiver, signer, opts...)
	l.Infow("processor starting", "identity", p.Identity(), "group", fmt.Sprintf("%x", group.Hash()))
	return serveDaemon(c, l, processor.NewHandler(p, l))
}

func relayCmd(c *cli.Context) error {
	l := contextToLogger(c).Named("relay")

	group := new(key.Group)
	if err := key.Load(c.String(groupFlag.Name), group); err != nil {
		return fmt.Errorf("loading group: %w", err)
	}
	procAddr := c.String(processorFlag.Name)
	if procAddr == "" {
		return errors.New("relay requires the --processor address")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewStore(ctx, l.Named("ledger"), c.String(ledgerFolderFlag.Name), nil)
	if err != nil {
		return fmt.Errorf("opening ledger store: %w", err)
	}
	defer store.Close()

	endpoints := make([]quorum.Endpoint, 0, group.Len())
	for _, n := range group.Nodes {
		endpoints = append(endpoints, holder.NewClient(n.Address, n.Index))
	}
	collector := quorum.New(group, endpoints, quorum.WithLogger(l))

	r, err := relay.New(collector, &remoteProcessor{processor.NewClient(procAddr)}, store,
		relay.WithLogger(l))
	if err != nil {
		return err
	}

	if c.IsSet(metricsFlag.Name) {
		if listener := metrics.Start(l, c.String(metricsFlag.Name)); listener != nil {
			defer listener.Close()
		}
	}

	l.Infow("relay starting", "processor", procAddr, "holders", group.Len(),
		"group", fmt.Sprintf("%x", group.Hash()))
	err = r.Run(ctx, store.Watch(ctx))
	if errors.Is(err, context.Canceled) {
		l.Infow("relay stopped")
		return nil
	}
	return err
}

// remoteProcessor adapts the HTTP client to the relay's processor contract.
type remoteProcessor struct {
	client *processor.Client
}

func (p *remoteProcessor) ProcessVote(marketID string, currentBlob, encryptedVote []byte,
	keyCt *pre.KeyCiphertext, capsule *pre.Capsule, frags []*pre.CapsuleFragment) ([]byte, []byte, error) {
	return p.client.SubmitVote(context.Background(), marketID, currentBlob, encryptedVote, keyCt, capsule, frags)
}

// serveDaemon runs the handler on the listen address until SIGINT, with the
// private metrics listener alongside when configured.
func serveDaemon(c *cli.Context, l log.Logger, handler http.Handler) error {
	bind := c.String(listenFlag.Name)
	if bind == "" {
		return errors.New("daemon requires the --listen address")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.IsSet(metricsFlag.Name) {
		if listener := metrics.Start(l, c.String(metricsFlag.Name)); listener != nil {
			defer listener.Close()
		}
	}

	server := &http.Server{Addr: bind, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		l.Infow("listening", "at", bind)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	l.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
