package market

import (
	"encoding/json"
	"testing"
)

func TestInstanceKeyEncodeRoundTrip(t *testing.T) {
	keys := []InstanceKey{
		PoolKey,
		AssetKey("BTC"),
		OptionKey("ETH", Put, 1700035200, 1850.5),
	}
	for _, key := range keys {
		parsed, err := ParseInstanceKey(key.Encode())
		if err != nil {
			t.Fatalf("parse %q: %v", key.Encode(), err)
		}
		if parsed != key {
			t.Fatalf("round trip mismatch: %#v vs %#v", parsed, key)
		}
	}
}

func TestInstanceKeyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "BTC:call", "BTC:straddle:1:2", "BTC:call:x:100"} {
		if _, err := ParseInstanceKey(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestInstanceKeyLabel(t *testing.T) {
	key := OptionKey("BTC", Call, 1700035200, 37000)
	if got := key.Label(); got != "BTC-15NOV23-37000-C" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := AssetKey("ETH").Label(); got != "ETH" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestRecordKeyRoundTrip(t *testing.T) {
	rk := RecordKey{Family: AtmMarkIV, Key: OptionKey("BTC", Call, 1700035200, 37000)}
	parsed, err := ParseRecordKey(rk.String())
	if err != nil {
		t.Fatalf("parse record key: %v", err)
	}
	if parsed != rk {
		t.Fatalf("round trip mismatch: %#v", parsed)
	}
}

func TestValuesJSON(t *testing.T) {
	values := Values{
		AssetKey("BTC"):                         100,
		OptionKey("BTC", Call, 1700035200, 100): 0.55,
	}
	raw, err := json.Marshal(values)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Values
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 2 || decoded[AssetKey("BTC")] != 100 {
		t.Fatalf("unexpected decoded values %#v", decoded)
	}
}

func TestFamilyRankOrder(t *testing.T) {
	if SpotPrice.Rank() >= AtmMarkIV.Rank() || AtmMarkIV.Rank() >= PoolSharePrice.Rank() {
		t.Fatal("families must rank in reporting order")
	}
	if _, err := ParseFamily("gas"); err == nil {
		t.Fatal("unknown family should fail to parse")
	}
}
