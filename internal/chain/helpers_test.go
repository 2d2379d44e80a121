package chain

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	testChainID = 31337
	testProgram = "0x00000000000000000000000000000000000E5c40"

	ownerHex   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	agentHex   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	arbiterHex = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

func mustKey(t *testing.T, hexKey string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	require.NoError(t, err)
	return key
}

func addrOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func testEscrowID(seed string) string {
	return EscrowIDFromKey(crypto.Keccak256Hash([]byte(seed)))
}

// signCall builds and signs a program call the way a wallet would.
func signCall(t *testing.T, key *ecdsa.PrivateKey, chainID int64, nonce uint64, to string, in Instruction) (SignedPayload, *types.Transaction) {
	t.Helper()
	data, err := EncodeInstruction(in)
	require.NoError(t, err)

	program := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &program,
		Value:    big.NewInt(0),
		Gas:      250000,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return SignedPayload{Raw: raw, From: addrOf(key), Instruction: in}, signed
}
