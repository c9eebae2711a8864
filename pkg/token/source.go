package token

import (
	"context"

	"golang.org/x/oauth2"
)

type managerTokenSource struct {
	ctx context.Context
	m   *Manager
}

// Source exposes the manager as an oauth2.TokenSource so it can be consumed
// by anything speaking that interface. The returned tokens carry the cached
// expiry; refreshing happens inside the manager.
//
// It is safe for concurrent use.
func Source(ctx context.Context, m *Manager) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	value, err := s.m.GetValidToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: value,
		Expiry:      s.m.Expiry(),
	}, nil
}
