package agent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// User is a plain transacting agent. Its event filter passes everything
// through unless a watch list is configured.
type User struct {
	base
	watch map[common.Address]struct{}
}

var _ Activator = (*User)(nil)

// UserOption configures a User.
type UserOption func(*User)

// WithAddress overrides the name-derived address.
func WithAddress(addr common.Address) UserOption {
	return func(u *User) { u.address = addr }
}

// WithGasLimit sets the default gas limit.
func WithGasLimit(limit uint64) UserOption {
	return func(u *User) { u.settings.GasLimit = limit }
}

// WithGasPrice sets the default gas price.
func WithGasPrice(price *big.Int) UserOption {
	return func(u *User) { u.settings.GasPrice = new(big.Int).Set(price) }
}

// WithWatch restricts FilterEvents to logs emitted by addrs.
func WithWatch(addrs ...common.Address) UserOption {
	return func(u *User) {
		for _, a := range addrs {
			u.watch[a] = struct{}{}
		}
	}
}

// NewUser creates a user agent named name.
func NewUser(name string, opts ...UserOption) *User {
	u := &User{
		base: base{
			name:     name,
			address:  AddressFor(name),
			settings: DefaultSettings(),
		},
		watch: make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *User) FilterEvents(logs []types.LogRecord) []types.LogRecord {
	if len(u.watch) == 0 {
		return logs
	}
	out := make([]types.LogRecord, 0, len(logs))
	for _, l := range logs {
		if _, ok := u.watch[l.Address]; ok {
			out = append(out, l)
		}
	}
	return out
}
