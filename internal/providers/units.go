package providers

import "github.com/shopspring/decimal"

// amountExponents is the per-provider wire unit table: wire amount =
// major amount * 10^exponent. The ledger always stores major units.
var amountExponents = map[string]int32{
	PaystackID:     2, // kobo / pesewas
	FlutterwaveID:  0,
	MTNMoMoID:      0,
	VodafoneCashID: 0,
	AirtelTigoID:   0,
}

func wireExponent(provider string) (int32, bool) {
	exp, ok := amountExponents[provider]
	return exp, ok
}

// ToWire converts a major-unit amount to the provider's wire unit.
func ToWire(provider string, major decimal.Decimal) decimal.Decimal {
	exp, _ := wireExponent(provider)
	return major.Shift(exp)
}

// FromWire converts a provider wire amount to major units.
func FromWire(provider string, wire decimal.Decimal) decimal.Decimal {
	exp, _ := wireExponent(provider)
	return wire.Shift(-exp)
}
