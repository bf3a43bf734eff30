package mirror

import (
	"context"

	"github.com/pkg/errors"

	"serialkv/internal/client"
	"serialkv/internal/codec"
	"serialkv/internal/model"
)

// Proxy fetches the master's complete project→serial map. It does not
// retry; callers choose their own policy.
type Proxy struct {
	master *client.Client
}

func NewProxy(master *client.Client) *Proxy {
	return &Proxy{master: master}
}

func (p *Proxy) Snapshot(ctx context.Context) (model.NameSerials, error) {
	resp, err := p.master.Name2Serials(ctx)
	if err != nil {
		return nil, err
	}
	m, err := codec.DecodeNameSerials(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", resp.URL)
	}
	return m, nil
}
