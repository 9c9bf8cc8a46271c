package poolresync

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const poolABIJSON = `[
	{"name":"slot0","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"}]},
	{"name":"liquidity","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint128"}]},
	{"name":"token0","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address"}]},
	{"name":"token1","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"address"}]},
	{"name":"fee","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint24"}]},
	{"name":"tickSpacing","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"int24"}]},
	{"name":"Mint","type":"event","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":false},
		{"name":"owner","type":"address","indexed":true},
		{"name":"tickLower","type":"int24","indexed":true},
		{"name":"tickUpper","type":"int24","indexed":true},
		{"name":"amount","type":"uint128","indexed":false},
		{"name":"amount0","type":"uint256","indexed":false},
		{"name":"amount1","type":"uint256","indexed":false}]},
	{"name":"Burn","type":"event","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"tickLower","type":"int24","indexed":true},
		{"name":"tickUpper","type":"int24","indexed":true},
		{"name":"amount","type":"uint128","indexed":false},
		{"name":"amount0","type":"uint256","indexed":false},
		{"name":"amount1","type":"uint256","indexed":false}]}
]`

func mustABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(poolABIJSON))
	require.NoError(t, err)
	return parsed
}

type stubView struct {
	address common.Address
	abi     abi.ABI
	slot0   []interface{}
	liq     []interface{}
	token0  []interface{}
	token1  []interface{}
	fee     []interface{}
	spacing []interface{}
}

func (s stubView) ContractAddress() common.Address { return s.address }
func (s stubView) Abi() abi.ABI                     { return s.abi }

func (s stubView) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	switch method {
	case "slot0":
		return s.slot0, nil
	case "liquidity":
		return s.liq, nil
	case "token0":
		return s.token0, nil
	case "token1":
		return s.token1, nil
	case "fee":
		return s.fee, nil
	case "tickSpacing":
		return s.spacing, nil
	}
	return nil, nil
}

func buildView(t *testing.T, pool common.Address) stubView {
	return stubView{
		address: pool,
		abi:     mustABI(t),
		slot0:   []interface{}{big.NewInt(1_000_000), int32(0)},
		liq:     []interface{}{big.NewInt(500)},
		token0:  []interface{}{common.HexToAddress("0xA")},
		token1:  []interface{}{common.HexToAddress("0xB")},
		fee:     []interface{}{uint32(3000)},
		spacing: []interface{}{int32(60)},
	}
}

type stubLogSource struct {
	head uint64
	logs []coretypes.Log
	err  error
}

func (s stubLogSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]coretypes.Log, error) {
	return s.logs, s.err
}

func (s stubLogSource) BlockNumber(ctx context.Context) (uint64, error) {
	return s.head, nil
}

func mintLog(t *testing.T, contractABI abi.ABI, pool common.Address, tickLower, tickUpper int32, amount *big.Int) coretypes.Log {
	t.Helper()
	event := contractABI.Events["Mint"]
	data, err := event.Inputs.NonIndexed().Pack(common.HexToAddress("0xF"), amount, big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	return coretypes.Log{
		Address: pool,
		Topics:  []common.Hash{event.ID, common.HexToHash("0xOWNER"), tickTopic(tickLower), tickTopic(tickUpper)},
		Data:    data,
	}
}

// tickTopic encodes an int24 tick as a 32-byte two's-complement topic word,
// the same wire shape the ABI encoder produces for an indexed signed int.
func tickTopic(tick int32) common.Hash {
	var h common.Hash
	v := big.NewInt(int64(tick))
	if v.Sign() < 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), 256)
		v = v.Add(v, mod)
	}
	v.FillBytes(h[:])
	return h
}

func TestResyncBuildsSnapshotWithoutLogSource(t *testing.T) {
	pool := common.HexToAddress("0xP1")
	r := New(nil, 1000)
	r.Register(pool, buildView(t, pool))

	snap, err := r.Resync(context.Background(), pool)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), snap.SqrtPriceX96)
	require.Equal(t, big.NewInt(500), snap.Liquidity)
	require.Equal(t, int32(60), snap.TickSpacing)
	require.Equal(t, uint32(3000), snap.FeePips)
	require.Empty(t, snap.Ticks)
}

func TestResyncUnregisteredPoolErrors(t *testing.T) {
	r := New(nil, 1000)
	_, err := r.Resync(context.Background(), common.HexToAddress("0xDEAD"))
	require.Error(t, err)
}

func TestResyncPropagatesSlot0Error(t *testing.T) {
	pool := common.HexToAddress("0xP1")
	errView := erroringSlot0{stubView: buildView(t, pool)}
	r := New(nil, 1000)
	r.Register(pool, errView)

	_, err := r.Resync(context.Background(), pool)
	require.Error(t, err)
}

func TestResyncRebuildsTicksFromMintHistory(t *testing.T) {
	pool := common.HexToAddress("0xP1")
	view := buildView(t, pool)

	logs := []coretypes.Log{
		mintLog(t, view.abi, pool, -60, 60, big.NewInt(200)),
	}
	r := New(stubLogSource{head: 1000, logs: logs}, 500)
	r.Register(pool, view)

	snap, err := r.Resync(context.Background(), pool)
	require.NoError(t, err)
	require.Len(t, snap.Ticks, 2)
	require.Equal(t, int32(-60), snap.Ticks[0].Tick)
	require.Equal(t, big.NewInt(200), snap.Ticks[0].LiquidityNet)
	require.Equal(t, int32(60), snap.Ticks[1].Tick)
	require.Equal(t, big.NewInt(-200), snap.Ticks[1].LiquidityNet)
}

type erroringSlot0 struct {
	stubView
}

var errStubSlot0 = errSentinel("stub slot0 failure")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

func (e erroringSlot0) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if method == "slot0" {
		return nil, errStubSlot0
	}
	return e.stubView.Call(from, method, args...)
}
