package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionType distinguishes calls from puts on the volatility surface.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// OptionTypes lists the option types in surface scan order.
var OptionTypes = []OptionType{Call, Put}

const (
	keySeparator = ":"
	poolKeyToken = "-"
)

// InstanceKey identifies one series inside a family. Spot and futures
// instances only carry an asset, IV instances carry the full option
// coordinates and pool families use the zero key.
type InstanceKey struct {
	Asset      string
	OptionType OptionType
	Expiry     int64 // unix seconds
	Strike     float64
}

// PoolKey is the implicit single instance of the pool families.
var PoolKey = InstanceKey{}

// AssetKey builds a spot/futures instance key.
func AssetKey(asset string) InstanceKey {
	return InstanceKey{Asset: asset}
}

// OptionKey builds an IV instance key.
func OptionKey(asset string, optionType OptionType, expiry int64, strike float64) InstanceKey {
	return InstanceKey{Asset: asset, OptionType: optionType, Expiry: expiry, Strike: strike}
}

// IsZero reports whether k is the implicit pool instance.
func (k InstanceKey) IsZero() bool {
	return k == PoolKey
}

// IsOption reports whether k addresses a point on the volatility surface.
func (k InstanceKey) IsOption() bool {
	return k.OptionType != ""
}

// Encode returns the stable storage form of the key.
func (k InstanceKey) Encode() string {
	switch {
	case k.IsZero():
		return poolKeyToken
	case k.IsOption():
		return strings.Join([]string{
			k.Asset,
			string(k.OptionType),
			strconv.FormatInt(k.Expiry, 10),
			formatStrike(k.Strike),
		}, keySeparator)
	default:
		return k.Asset
	}
}

// String implements fmt.Stringer.
func (k InstanceKey) String() string {
	return k.Encode()
}

// Label renders the operator-facing instrument name.
func (k InstanceKey) Label() string {
	switch {
	case k.IsZero():
		return ""
	case k.IsOption():
		symbol := "C"
		if k.OptionType == Put {
			symbol = "P"
		}
		return fmt.Sprintf("%s-%s-%s-%s", k.Asset, ExpiryDate(k.Expiry), formatStrike(k.Strike), symbol)
	default:
		return k.Asset
	}
}

// Less orders keys by asset, option type, expiry and strike.
func (k InstanceKey) Less(o InstanceKey) bool {
	if k.Asset != o.Asset {
		return k.Asset < o.Asset
	}
	if k.OptionType != o.OptionType {
		return k.OptionType < o.OptionType
	}
	if k.Expiry != o.Expiry {
		return k.Expiry < o.Expiry
	}
	return k.Strike < o.Strike
}

// ParseInstanceKey decodes the output of Encode.
func ParseInstanceKey(v string) (InstanceKey, error) {
	if v == poolKeyToken {
		return PoolKey, nil
	}
	if v == "" {
		return InstanceKey{}, fmt.Errorf("empty instance key")
	}

	parts := strings.Split(v, keySeparator)
	switch len(parts) {
	case 1:
		return AssetKey(parts[0]), nil
	case 4:
		optionType := OptionType(parts[1])
		if optionType != Call && optionType != Put {
			return InstanceKey{}, fmt.Errorf("instance key %q: unknown option type %q", v, parts[1])
		}
		expiry, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return InstanceKey{}, fmt.Errorf("instance key %q: parse expiry: %w", v, err)
		}
		strike, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return InstanceKey{}, fmt.Errorf("instance key %q: parse strike: %w", v, err)
		}
		return OptionKey(parts[0], optionType, expiry, strike), nil
	default:
		return InstanceKey{}, fmt.Errorf("malformed instance key %q", v)
	}
}

// ExpiryDate formats a unix-second expiry as e.g. 14NOV23.
func ExpiryDate(expiry int64) string {
	return strings.ToUpper(time.Unix(expiry, 0).UTC().Format("2Jan06"))
}

func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// RecordKey addresses a NotificationRecord.
type RecordKey struct {
	Family Family
	Key    InstanceKey
}

func (r RecordKey) String() string {
	return string(r.Family) + keySeparator + r.Key.Encode()
}

// ParseRecordKey decodes the output of RecordKey.String.
func ParseRecordKey(v string) (RecordKey, error) {
	idx := strings.Index(v, keySeparator)
	if idx <= 0 {
		return RecordKey{}, fmt.Errorf("malformed record key %q", v)
	}
	family, err := ParseFamily(v[:idx])
	if err != nil {
		return RecordKey{}, err
	}
	key, err := ParseInstanceKey(v[idx+1:])
	if err != nil {
		return RecordKey{}, err
	}
	return RecordKey{Family: family, Key: key}, nil
}
