package fetcher

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	aggregatorAddr = "0x00000000000000000000000000000000000000a1"
	olpManagerAddr = "0x00000000000000000000000000000000000000b2"
)

func scaled(t *testing.T, digits string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		t.Fatalf("bad integer %q", digits)
	}
	return v
}

// newRPCStub answers eth_call by target address with ABI-encoded outputs.
func newRPCStub(t *testing.T, replies map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}

		var call struct {
			To string `json:"to"`
		}
		if req.Method == "eth_call" && len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &call)
		}
		if out, ok := replies[strings.ToLower(call.To)]; ok {
			resp["result"] = hexutil.Encode(out)
		} else {
			resp["error"] = map[string]any{"code": -32000, "message": "execution reverted"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func packOutputs(t *testing.T, method string, values ...any) []byte {
	t.Helper()
	contract := viewAggregatorABI
	if _, ok := olpManagerABI.Methods[method]; ok {
		contract = olpManagerABI
	}
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s: %v", method, err)
	}
	return out
}

func TestPoolFetchLiquidityScalesOutputs(t *testing.T) {
	// 1.05 and 2,500,000.5 at 30 decimals
	share := scaled(t, "1050000000000000000000000000000")
	deposited := scaled(t, "2500000500000000000000000000000000000")
	decoy := scaled(t, "999000000000000000000000000000000")

	totals := []any{decoy, decoy, decoy, decoy, decoy, decoy, deposited}
	srv := newRPCStub(t, map[string][]byte{
		aggregatorAddr: packOutputs(t, "getOlpStats",
			[]*big.Int{share, decoy},
			[]*big.Int{decoy},
			[]*big.Int{decoy},
		),
		olpManagerAddr: packOutputs(t, "getTotalOlpAssetUsd", totals...),
	})
	defer srv.Close()

	pool := NewPool(PoolOptions{
		RPCURL:                srv.URL,
		ViewAggregatorAddress: aggregatorAddr,
		OlpManagerAddress:     olpManagerAddr,
	}, noopLogger())

	snap, err := pool.FetchLiquidity(context.Background())
	if err != nil {
		t.Fatalf("读取池子状态失败: %v", err)
	}
	if snap.SharePrice != 1.05 {
		t.Fatalf("share price should come from the first stat of the first array, got %v", snap.SharePrice)
	}
	if snap.DepositedValue != 2_500_000.5 {
		t.Fatalf("deposited value should come from output 6, got %v", snap.DepositedValue)
	}
}

func TestPoolFetchLiquidityCustomScale(t *testing.T) {
	srv := newRPCStub(t, map[string][]byte{
		aggregatorAddr: packOutputs(t, "getOlpStats", []*big.Int{big.NewInt(1_250_000)}, []*big.Int{}, []*big.Int{}),
		olpManagerAddr: packOutputs(t, "getTotalOlpAssetUsd",
			big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(42_000_000)),
	})
	defer srv.Close()

	pool := NewPool(PoolOptions{
		RPCURL:                srv.URL,
		ViewAggregatorAddress: aggregatorAddr,
		OlpManagerAddress:     olpManagerAddr,
		ScaleDecimals:         6,
	}, noopLogger())

	snap, err := pool.FetchLiquidity(context.Background())
	if err != nil {
		t.Fatalf("读取池子状态失败: %v", err)
	}
	if snap.SharePrice != 1.25 || snap.DepositedValue != 42 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
}

func TestPoolFetchLiquidityEmptyStats(t *testing.T) {
	srv := newRPCStub(t, map[string][]byte{
		aggregatorAddr: packOutputs(t, "getOlpStats", []*big.Int{}, []*big.Int{}, []*big.Int{}),
		olpManagerAddr: packOutputs(t, "getTotalOlpAssetUsd",
			big.NewInt(1), big.NewInt(1), big.NewInt(1), big.NewInt(1), big.NewInt(1), big.NewInt(1), big.NewInt(1)),
	})
	defer srv.Close()

	pool := NewPool(PoolOptions{
		RPCURL:                srv.URL,
		ViewAggregatorAddress: aggregatorAddr,
		OlpManagerAddress:     olpManagerAddr,
	}, noopLogger())

	if _, err := pool.FetchLiquidity(context.Background()); err == nil || !strings.Contains(err.Error(), "getOlpStats") {
		t.Fatalf("empty stats array should fail, got %v", err)
	}
}

func TestPoolFetchLiquidityRevert(t *testing.T) {
	srv := newRPCStub(t, map[string][]byte{
		aggregatorAddr: packOutputs(t, "getOlpStats", []*big.Int{big.NewInt(1)}, []*big.Int{}, []*big.Int{}),
	})
	defer srv.Close()

	pool := NewPool(PoolOptions{
		RPCURL:                srv.URL,
		ViewAggregatorAddress: aggregatorAddr,
		OlpManagerAddress:     olpManagerAddr,
	}, noopLogger())

	if _, err := pool.FetchLiquidity(context.Background()); err == nil || !strings.Contains(err.Error(), "getTotalOlpAssetUsd") {
		t.Fatalf("reverted call should surface, got %v", err)
	}
}
