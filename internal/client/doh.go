package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/miekg/dns"

	"github.com/treemana/zerodns/internal/zerodnserr"
)

const dohContentType = "application/dns-message"

// queryDoH POSTs the wire-format message to /dns-query per RFC 8484,
// reusing the Dispatcher's shared *http.Client and its pooled keep-alive
// connections.
func (d *Dispatcher) queryDoH(ctx context.Context, up Upstream, req *dns.Msg) (*dns.Msg, error) {
	body, err := req.Pack()
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrMalformed, "pack: %v", err)
	}

	url := fmt.Sprintf("https://%s/dns-query", up.Addr())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrHTTP, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)

	resp, err := d.doh.Do(httpReq)
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrHTTP, "%s: %v", up, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, zerodnserr.Wrap(zerodnserr.ErrHTTP, "%s: status %d", up, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrHTTP, "read body: %v", err)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, zerodnserr.Wrap(zerodnserr.ErrMalformed, "%s: %v", up, err)
	}

	if msg.Id != req.Id {
		return nil, zerodnserr.Wrap(zerodnserr.ErrMalformed, "%s: mismatched id", up)
	}

	return msg, nil
}
