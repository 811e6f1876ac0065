package agent

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// AdminName is the name of the agent every environment is created with.
const AdminName = "admin"

// AdminFunding is the balance given to an environment's admin: 10^30 wei.
var AdminFunding = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

// Admin is the privileged agent of an environment. Besides transacting it
// can set balances and install code directly.
type Admin struct {
	base
}

var _ Activator = (*Admin)(nil)

// NewAdmin creates the admin agent for the environment labelled label.
func NewAdmin(label string) *Admin {
	return &Admin{base: base{
		name:     AdminName,
		address:  AddressFor(AdminName + "@" + label),
		settings: DefaultSettings(),
	}}
}

func (a *Admin) FilterEvents(logs []types.LogRecord) []types.LogRecord {
	return logs
}

// Deal sets the balance of addr.
func (a *Admin) Deal(ctx context.Context, addr common.Address, amount *big.Int) error {
	env, err := a.environment()
	if err != nil {
		return err
	}
	return env.Deal(ctx, addr, amount)
}

// DeployAt installs runtime code at addr.
func (a *Admin) DeployAt(ctx context.Context, addr common.Address, code []byte) error {
	env, err := a.environment()
	if err != nil {
		return err
	}
	return env.DeployAt(ctx, addr, code)
}
