// Package adapter decodes raw ledger account bytes into typed protocol state.
// Each tracked account is bound to one protocol tag at startup; decoding is
// a pure function of the bytes and that tag.
package adapter

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// DecodeAs decodes raw with the layout of protocol p. The result is one of
// domain.OracleState, domain.PerpMarketState or domain.FundingAccountState.
// Mismatched bytes fail with an error wrapping domain.ErrDecode.
func DecodeAs(p domain.Protocol, raw []byte) (any, error) {
	switch p {
	case domain.ProtocolOracle:
		return decodeOracle(raw)
	case domain.ProtocolPerpA:
		return decodePerpA(raw)
	case domain.ProtocolPerpB:
		return decodePerpB(raw)
	case domain.ProtocolFunding:
		return decodeFunding(raw)
	default:
		return nil, fmt.Errorf("adapter: unknown protocol %q: %w", p, domain.ErrDecode)
	}
}

// Registry is the static account-to-protocol table. It is filled once at
// startup and read concurrently afterwards without locking.
type Registry struct {
	protocols map[domain.AccountID]domain.Protocol
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{protocols: make(map[domain.AccountID]domain.Protocol)}
}

// Track binds account to protocol p. Rebinding to a different protocol is a
// configuration error.
func (r *Registry) Track(account domain.AccountID, p domain.Protocol) error {
	if !p.Valid() {
		return fmt.Errorf("adapter: account %s: unknown protocol %q: %w", account, p, domain.ErrConfiguration)
	}
	if _, err := account.PublicKey(); err != nil {
		return fmt.Errorf("adapter: %w: %v", domain.ErrConfiguration, err)
	}
	if prev, ok := r.protocols[account]; ok && prev != p {
		return fmt.Errorf("adapter: account %s already tracked as %s, not %s: %w", account, prev, p, domain.ErrConfiguration)
	}
	r.protocols[account] = p
	return nil
}

// Protocol returns the tag bound to account.
func (r *Registry) Protocol(account domain.AccountID) (domain.Protocol, bool) {
	p, ok := r.protocols[account]
	return p, ok
}

// Decode decodes raw with the protocol bound to account.
func (r *Registry) Decode(raw []byte, account domain.AccountID) (any, error) {
	p, ok := r.protocols[account]
	if !ok {
		return nil, fmt.Errorf("adapter: untracked account %s: %w", account, domain.ErrDecode)
	}
	return DecodeAs(p, raw)
}

// Accounts returns every tracked account, sorted.
func (r *Registry) Accounts() []domain.AccountID {
	out := make([]domain.AccountID, 0, len(r.protocols))
	for id := range r.protocols {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ByProtocol groups tracked accounts by protocol, each group sorted.
func (r *Registry) ByProtocol() map[domain.Protocol][]domain.AccountID {
	out := make(map[domain.Protocol][]domain.AccountID)
	for _, id := range r.Accounts() {
		p := r.protocols[id]
		out[p] = append(out[p], id)
	}
	return out
}

// Len returns the number of tracked accounts.
func (r *Registry) Len() int { return len(r.protocols) }
