package commission

// TransactionType selects the commission rate. Rates are never blended; the
// type alone decides.
type TransactionType string

const (
	RentalLong   TransactionType = "rental_long"
	RentalShort  TransactionType = "rental_short"
	LandSale     TransactionType = "land_sale"
	PropertySale TransactionType = "property_sale"
)

// Tier is the payer's loyalty badge. Higher tiers earn a commission discount.
type Tier string

const (
	TierBronze  Tier = "bronze"
	TierSilver  Tier = "silver"
	TierGold    Tier = "gold"
	TierDiamond Tier = "diamond"
)

// Quote is the priced commission for one transaction. Amounts are in the
// platform's smallest currency unit.
type Quote struct {
	CommissionBase  int64
	DiscountRate    int // basis points
	CommissionFinal int64
	RateUsed        int // basis points applied to the base amount
}

// InvoiceLine is one itemized entry on an invoice.
type InvoiceLine struct {
	Label         string `json:"label"`
	Amount        int64  `json:"amount"`
	NonRefundable bool   `json:"non_refundable"`
}

// Invoice itemizes a settlement: principal, refundable deposit, and the
// non-refundable platform commission.
type Invoice struct {
	Lines []InvoiceLine `json:"lines"`
	Total int64         `json:"total"`
}

// Facts are the transaction inputs to pricing.
type Facts struct {
	Type      TransactionType
	Amount    int64 // one month's rent, total stay price, or sale price
	Deposit   int64 // refundable security deposit, zero for sales
	PayerTier Tier
}
