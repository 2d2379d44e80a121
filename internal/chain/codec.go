package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// escrowProgramABI is the call surface of the on-chain escrow program.
const escrowProgramABI = `[
	{"type":"function","name":"initialize","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"escrowId","type":"bytes32"},{"name":"intentId","type":"string"},{"name":"agentId","type":"string"},
		{"name":"payee","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"release","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"escrowId","type":"bytes32"},{"name":"payee","type":"address"}]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"escrowId","type":"bytes32"},{"name":"payee","type":"address"}]},
	{"type":"function","name":"dispute","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"escrowId","type":"bytes32"},{"name":"reason","type":"string"}]},
	{"type":"function","name":"resolve","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"escrowId","type":"bytes32"},{"name":"agentPercentage","type":"uint8"}]}
]`

var programABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(escrowProgramABI))
	if err != nil {
		panic("chain: parse escrow program ABI: " + err.Error())
	}
	return parsed
}

// EncodeInstruction packs an instruction into program calldata.
func EncodeInstruction(in Instruction) ([]byte, error) {
	key, err := EscrowKey(in.EscrowID)
	if err != nil {
		return nil, err
	}

	switch in.Op {
	case OpInitialize:
		if in.Amount == nil || in.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("chain: initialize requires a positive amount")
		}
		payee, err := hexAddress(in.Payee)
		if err != nil {
			return nil, err
		}
		return programABI.Pack("initialize", key, in.IntentID, in.AgentID, payee, in.Amount)
	case OpRelease, OpRefund:
		payee, err := hexAddress(in.Payee)
		if err != nil {
			return nil, err
		}
		return programABI.Pack(string(in.Op), key, payee)
	case OpDispute:
		return programABI.Pack("dispute", key, in.Reason)
	case OpResolve:
		if in.AgentPercentage > 100 {
			return nil, fmt.Errorf("chain: agent percentage %d out of range", in.AgentPercentage)
		}
		return programABI.Pack("resolve", key, in.AgentPercentage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, in.Op)
	}
}

// DecodeInstruction recovers the instruction from program calldata.
func DecodeInstruction(data []byte) (*Instruction, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: calldata too short", ErrUnknownOp)
	}
	method, err := programABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownOp, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method.Name, err)
	}

	key, ok := args[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("chain: unpack %s: bad escrow key", method.Name)
	}
	in := &Instruction{Op: Op(method.Name), EscrowID: EscrowIDFromKey(key)}

	switch in.Op {
	case OpInitialize:
		in.IntentID, _ = args[1].(string)
		in.AgentID, _ = args[2].(string)
		if payee, ok := args[3].(common.Address); ok {
			in.Payee = payee.Hex()
		}
		in.Amount, _ = args[4].(*big.Int)
	case OpRelease, OpRefund:
		if payee, ok := args[1].(common.Address); ok {
			in.Payee = payee.Hex()
		}
	case OpDispute:
		in.Reason, _ = args[1].(string)
	case OpResolve:
		in.AgentPercentage, _ = args[1].(uint8)
	}
	return in, nil
}

func hexAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("chain: invalid payee address %q", s)
	}
	return common.HexToAddress(s), nil
}
