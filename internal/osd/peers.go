package osd

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripestore/osd/internal/striping"
	"golang.org/x/sync/errgroup"
)

// Peers reaches the other storage nodes holding a file.
type Peers interface {
	// SendGmax delivers a best-effort gmax update. Delivery is not confirmed.
	SendGmax(ctx context.Context, nodeID, fileID string, g Gmax) error
	// FetchGmax asks nodeID for its view of the file extent.
	FetchGmax(ctx context.Context, nodeID, fileID string, locs striping.Locations) (Gmax, error)
	// DisseminateTruncate applies an internal truncate on nodeID.
	DisseminateTruncate(ctx context.Context, nodeID string, req TruncateRequest) error
	// DisseminateDelete applies an internal delete on nodeID.
	DisseminateDelete(ctx context.Context, nodeID string, req DeleteRequest) error
}

var errNoPeers = errors.New("no peer transport configured")

// noPeers is used when the executor runs without a transport.
type noPeers struct{}

func (noPeers) SendGmax(context.Context, string, string, Gmax) error { return nil }

func (noPeers) FetchGmax(context.Context, string, string, striping.Locations) (Gmax, error) {
	return Gmax{}, errNoPeers
}

func (noPeers) DisseminateTruncate(context.Context, string, TruncateRequest) error { return errNoPeers }

func (noPeers) DisseminateDelete(context.Context, string, DeleteRequest) error { return errNoPeers }

// fetchGmax collects the gmax of every peer. All peers must answer within the
// peer timeout.
func (e *Executor) fetchGmax(fileID string, peers []string, locs striping.Locations) ([]Gmax, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PeerTimeout)
	defer cancel()

	out := make([]Gmax, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			v, err := e.cfg.Peers.FetchGmax(gctx, peer, fileID, locs)
			if err != nil {
				return peerErr("fetch gmax from", peer, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.metrics.GmaxFetches.WithLabelValues("failed").Inc()
		return nil, err
	}
	e.metrics.GmaxFetches.WithLabelValues("ok").Inc()
	return out, nil
}

// disseminate runs send against every peer and fails unless all succeed
// within the peer timeout.
func (e *Executor) disseminate(op string, peers []string, send func(ctx context.Context, peer string) error) error {
	if len(peers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PeerTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := send(gctx, peer); err != nil {
				return peerErr(op+" to", peer, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// peerErr classifies a failed peer call. Errors the peer's engine returned
// keep their type so callers can tell a stale or misrouted request from an
// unreachable peer. Everything else counts as a timeout.
func peerErr(op, peer string, err error) error {
	for _, target := range []error{
		ErrStaleEpoch, ErrRedirect, ErrFileNotFound, ErrObjectNotFound,
		ErrInvalidArgument, ErrChecksumMismatch, ErrInternalStorage,
	} {
		if errors.Is(err, target) {
			return fmt.Errorf("%s %s: %w", op, peer, err)
		}
	}
	return fmt.Errorf("%w: %s %s: %v", ErrPeerTimeout, op, peer, err)
}

// broadcastGmax sends g to every peer without waiting for delivery.
func (e *Executor) broadcastGmax(fileID string, peers []string, g Gmax) {
	for _, peer := range peers {
		peer := peer
		e.sends.Add(1)
		go func() {
			defer e.sends.Done()
			ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PeerTimeout)
			defer cancel()
			if err := e.cfg.Peers.SendGmax(ctx, peer, fileID, g); err != nil {
				e.logger.Warn().Err(err).
					Str("peer", peer).
					Str("file_id", fileID).
					Msg("gmax update not sent")
				return
			}
			e.metrics.GmaxSent.Inc()
		}()
	}
}
