package commission

import "fmt"

// ErrInvalidTransactionType reports an unrecognized transaction type. Callers
// are expected to validate upstream; hitting this is a programming error, not
// a runtime condition.
type ErrInvalidTransactionType struct {
	Type TransactionType
}

func (e ErrInvalidTransactionType) Error() string {
	return fmt.Sprintf("commission: invalid transaction type %q", e.Type)
}

const bpDenominator = 10_000

// rateFor maps a transaction type to its commission rate in basis points.
func rateFor(t TransactionType) (int, bool) {
	switch t {
	case RentalLong:
		return 5_000, true // 50% of one month's rent
	case RentalShort:
		return 1_000, true // 10% of total stay price
	case LandSale:
		return 100, true // 1% of sale price
	case PropertySale:
		return 200, true // 2% of sale price
	default:
		return 0, false
	}
}

// discountFor maps a loyalty tier to its commission discount in basis points.
// Unknown tiers get no discount rather than an error: a badge is a perk, not
// an input contract.
func discountFor(tier Tier) int {
	switch tier {
	case TierSilver:
		return 500
	case TierGold:
		return 1_000
	case TierDiamond:
		return 1_500
	default:
		return 0
	}
}

// applyBp multiplies amount by a basis-point rate, rounding half-up to the
// smallest currency unit. amount must be non-negative.
func applyBp(amount int64, bp int) int64 {
	return (amount*int64(bp) + bpDenominator/2) / bpDenominator
}

// Calculate prices the commission for the given facts.
func Calculate(facts Facts) (Quote, error) {
	rate, ok := rateFor(facts.Type)
	if !ok {
		return Quote{}, ErrInvalidTransactionType{Type: facts.Type}
	}
	if facts.Amount < 0 {
		return Quote{}, fmt.Errorf("commission: negative base amount %d", facts.Amount)
	}

	base := applyBp(facts.Amount, rate)
	discount := discountFor(facts.PayerTier)
	final := applyBp(base, bpDenominator-discount)

	return Quote{
		CommissionBase:  base,
		DiscountRate:    discount,
		CommissionFinal: final,
		RateUsed:        rate,
	}, nil
}

// CalculateInvoice prices the commission and returns the three-line itemized
// invoice: principal, refundable deposit (when present), and the
// non-refundable commission.
func CalculateInvoice(facts Facts) (Invoice, Quote, error) {
	quote, err := Calculate(facts)
	if err != nil {
		return Invoice{}, Quote{}, err
	}
	if facts.Deposit < 0 {
		return Invoice{}, Quote{}, fmt.Errorf("commission: negative deposit %d", facts.Deposit)
	}

	lines := []InvoiceLine{
		{Label: "principal", Amount: facts.Amount},
		{Label: "security_deposit", Amount: facts.Deposit},
		{Label: "platform_commission", Amount: quote.CommissionFinal, NonRefundable: true},
	}

	return Invoice{
		Lines: lines,
		Total: facts.Amount + facts.Deposit + quote.CommissionFinal,
	}, quote, nil
}
