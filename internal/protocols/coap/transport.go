package coap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"
)

// transport is one device endpoint session. Kept narrow so tests can fake
// the wire without a UDP stack.
type transport interface {
	// Request performs one confirmable exchange and returns the response body.
	// A non-2.xx response code is an error.
	Request(ctx context.Context, method, resource string, payload []byte) ([]byte, error)
	Close() error
}

// dialFunc opens a transport to a device endpoint (host:port).
type dialFunc func(ctx context.Context, endpoint string) (transport, error)

// dialUDP is the production dialer.
func dialUDP(_ context.Context, endpoint string) (transport, error) {
	conn, err := udp.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial CoAP endpoint %s: %w", endpoint, err)
	}

	return &udpTransport{conn: conn}, nil
}

type udpTransport struct {
	conn *udpclient.Conn
}

func (t *udpTransport) Request(ctx context.Context, method, resource string, payload []byte) ([]byte, error) {
	var (
		resp *pool.Message
		err  error
	)

	switch method {
	case "GET":
		resp, err = t.conn.Get(ctx, resource)
	case "POST":
		resp, err = t.conn.Post(ctx, resource, message.AppJSON, bytes.NewReader(payload))
	case "PUT":
		resp, err = t.conn.Put(ctx, resource, message.AppJSON, bytes.NewReader(payload))
	case "DELETE":
		resp, err = t.conn.Delete(ctx, resource)
	default:
		return nil, fmt.Errorf("unsupported CoAP method: %s", method)
	}

	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, resource, err)
	}

	if resp.Code() < codes.Created || resp.Code() > codes.Content {
		return nil, fmt.Errorf("%s %s returned %s", method, resource, resp.Code())
	}

	body, err := resp.ReadBody()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", resource, err)
	}

	return body, nil
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
