package peernet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/osd"
	"github.com/stripestore/osd/internal/striping"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	NodeID     string
	Directory  Directory
	Compress   bool         // zstd request bodies
	HTTPClient *http.Client // optional
	Logger     zerolog.Logger
}

// Client sends peer traffic on behalf of an executor. It implements osd.Peers.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	udp    *net.UDPConn
	logger zerolog.Logger
}

var _ osd.Peers = (*Client)(nil)

// NewClient creates a client with its own UDP socket for gmax updates.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("directory required")
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open gmax socket: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		udp:    conn,
		logger: cfg.Logger.With().Str("component", "peer-client").Logger(),
	}, nil
}

// Close releases the UDP socket.
func (c *Client) Close() error {
	return c.udp.Close()
}

// SendGmax sends a gmax update datagram. Delivery is not confirmed.
func (c *Client) SendGmax(ctx context.Context, nodeID, fileID string, g osd.Gmax) error {
	ep, err := c.cfg.Directory.Lookup(nodeID)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", ep.UDP)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ep.UDP, err)
	}
	pkt, err := (&GmaxDatagram{FileID: fileID, Gmax: g}).Marshal()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.udp.SetWriteDeadline(deadline)
	}
	if _, err := c.udp.WriteToUDP(pkt, addr); err != nil {
		return fmt.Errorf("send gmax to %s: %w", nodeID, err)
	}
	return nil
}

// FetchGmax asks nodeID for its view of the file size.
func (c *Client) FetchGmax(ctx context.Context, nodeID, fileID string, locs striping.Locations) (osd.Gmax, error) {
	var g osd.Gmax
	path := "/v1/gmax/" + url.PathEscape(fileID)
	err := c.call(ctx, nodeID, path, MessageTypeFetchGmax, FetchGmaxPayload{Locations: locs}, &g)
	return g, err
}

// DisseminateTruncate applies a truncate on nodeID.
func (c *Client) DisseminateTruncate(ctx context.Context, nodeID string, req osd.TruncateRequest) error {
	req.Internal = true
	return c.call(ctx, nodeID, "/v1/truncate", MessageTypeTruncate, req, nil)
}

// DisseminateDelete deletes the file's objects on nodeID.
func (c *Client) DisseminateDelete(ctx context.Context, nodeID string, req osd.DeleteRequest) error {
	req.Internal = true
	return c.call(ctx, nodeID, "/v1/delete", MessageTypeDelete, req, nil)
}

func (c *Client) call(ctx context.Context, nodeID, path string, typ MessageType, payload, result any) error {
	ep, err := c.cfg.Directory.Lookup(nodeID)
	if err != nil {
		return err
	}
	msg, err := newMessage(typ, "", c.cfg.NodeID, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if c.cfg.Compress {
		body = compress(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ProtocolHeader, strconv.Itoa(ProtocolVersion))
	if c.cfg.Compress {
		req.Header.Set("Content-Encoding", encodingZstd)
	}

	c.logger.Debug().
		Str("peer", nodeID).
		Str("type", string(typ)).
		Str("id", msg.ID).
		Int("size", len(body)).
		Msg("sending peer request")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", typ, nodeID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	reply, err := readMessage(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return fmt.Errorf("%s from %s (status %d): %w", typ, nodeID, resp.StatusCode, err)
	}
	if reply.Type == MessageTypeError {
		var p ErrorPayload
		if err := reply.decode(MessageTypeError, &p); err != nil {
			return err
		}
		return p.Err()
	}
	if reply.ID != msg.ID {
		return fmt.Errorf("%s from %s: reply id %s does not match %s", typ, nodeID, reply.ID, msg.ID)
	}
	return reply.decode(MessageTypeAck, result)
}
