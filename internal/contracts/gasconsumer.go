package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	StoreSelector      = common.FromHex("0x6057361d")
	ConsumeGasSelector = common.FromHex("0xa329e8de")
	CounterSelector    = common.FromHex("0x61bc221a")
)

// GasConsumerBytecode supports store(uint256), consumeGas(uint256), counter() and values(uint256).
// It emits no events.
var GasConsumerBytecode = common.FromHex("0x608060405234801561000f575f80fd5b506101db8061001d5f395ff3fe608060405234801561000f575f80fd5b506004361061004a575f3560e01c80635e383d211461004e5780636057361d1461007f57806361bc221a14610094578063a329e8de1461009c575b5f80fd5b61006d61005c36600461016a565b60016020525f908152604090205481565b60405190815260200160405180910390f35b61009261008d36600461016a565b6100af565b005b61006d5f5481565b6100926100aa36600461016a565b6100d5565b5f80548152600160205260408120829055805490806100cd83610181565b919050555050565b5f816040516020016100e991815260200190565b6040516020818303038152906040528051906020012090505f5b8281101561014257604080516020810184905201604051602081830303815290604052805190602001209150808061013a90610181565b915050610103565b505f805481526001602052604081208290558054908061016183610181565b91905055505050565b5f6020828403121561017a575f80fd5b5035919050565b5f6001820161019e57634e487b7160e01b5f52601160045260245ffd5b506001019056fea26469706673582212206182d890991e9bbd7a6af9c355812723ee8e626b7af95fbebe78a89baa5632e464736f6c63430008140033")

// EncodeStore encodes store(uint256).
func EncodeStore(value *big.Int) []byte {
	return encodeUint(StoreSelector, value)
}

// EncodeConsumeGas encodes consumeGas(uint256), which hashes in a loop.
func EncodeConsumeGas(iterations *big.Int) []byte {
	return encodeUint(ConsumeGasSelector, iterations)
}

// EncodeCounter encodes counter().
func EncodeCounter() []byte {
	return common.CopyBytes(CounterSelector)
}

func encodeUint(selector []byte, v *big.Int) []byte {
	if v.Sign() < 0 {
		panic("value must be non-negative")
	}
	data := make([]byte, 4+32)
	copy(data[0:4], selector)
	v.FillBytes(data[4:36])
	return data
}

// RevertWithReason returns runtime code that always reverts with Error(reason).
// reason must fit in 32 bytes.
func RevertWithReason(reason string) []byte {
	if len(reason) > 32 {
		reason = reason[:32]
	}
	payload := make([]byte, 4+32*3)
	copy(payload[0:4], common.FromHex("0x08c379a0"))
	payload[4+31] = 0x20
	payload[4+63] = byte(len(reason))
	copy(payload[4+64:], reason)

	// PUSH1 size PUSH1 offset PUSH0 CODECOPY PUSH1 size PUSH0 REVERT
	size := byte(len(payload))
	code := []byte{0x60, size, 0x60, 0x0a, 0x5f, 0x39, 0x60, size, 0x5f, 0xfd}
	return append(code, payload...)
}
