package commission

import (
	"errors"
	"testing"
)

func TestCalculate_Rates(t *testing.T) {
	cases := []struct {
		name      string
		facts     Facts
		wantBase  int64
		wantFinal int64
	}{
		{
			name:      "rental long bronze takes half a month",
			facts:     Facts{Type: RentalLong, Amount: 2_500_000, PayerTier: TierBronze},
			wantBase:  1_250_000,
			wantFinal: 1_250_000,
		},
		{
			name:      "rental long diamond gets fifteen percent off",
			facts:     Facts{Type: RentalLong, Amount: 2_500_000, PayerTier: TierDiamond},
			wantBase:  1_250_000,
			wantFinal: 1_062_500,
		},
		{
			name:      "land sale one percent",
			facts:     Facts{Type: LandSale, Amount: 100_000_000, PayerTier: TierBronze},
			wantBase:  1_000_000,
			wantFinal: 1_000_000,
		},
		{
			name:      "property sale two percent",
			facts:     Facts{Type: PropertySale, Amount: 50_000_000, PayerTier: TierBronze},
			wantBase:  1_000_000,
			wantFinal: 1_000_000,
		},
		{
			name:      "rental short ten percent with silver discount",
			facts:     Facts{Type: RentalShort, Amount: 300_000, PayerTier: TierSilver},
			wantBase:  30_000,
			wantFinal: 28_500,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote, err := Calculate(tc.facts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if quote.CommissionBase != tc.wantBase {
				t.Errorf("commission base = %d, want %d", quote.CommissionBase, tc.wantBase)
			}
			if quote.CommissionFinal != tc.wantFinal {
				t.Errorf("commission final = %d, want %d", quote.CommissionFinal, tc.wantFinal)
			}
		})
	}
}

func TestCalculate_RoundsHalfUp(t *testing.T) {
	// 1% of 150 = 1.5, rounds up to 2.
	quote, err := Calculate(Facts{Type: LandSale, Amount: 150, PayerTier: TierBronze})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.CommissionFinal != 2 {
		t.Errorf("commission final = %d, want 2", quote.CommissionFinal)
	}

	// 10% of 1005 = 100.5, rounds to 101 base; 5% discount -> 95.95, rounds to 96.
	quote, err = Calculate(Facts{Type: RentalShort, Amount: 1005, PayerTier: TierSilver})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.CommissionBase != 101 {
		t.Errorf("commission base = %d, want 101", quote.CommissionBase)
	}
	if quote.CommissionFinal != 96 {
		t.Errorf("commission final = %d, want 96", quote.CommissionFinal)
	}
}

func TestCalculate_UnknownType(t *testing.T) {
	_, err := Calculate(Facts{Type: "timeshare", Amount: 1000})
	var invalid ErrInvalidTransactionType
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestCalculateInvoice_ItemizesThreeLines(t *testing.T) {
	invoice, quote, err := CalculateInvoice(Facts{
		Type:      RentalLong,
		Amount:    2_500_000,
		Deposit:   5_000_000,
		PayerTier: TierGold,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(invoice.Lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(invoice.Lines))
	}
	if invoice.Lines[0].Label != "principal" || invoice.Lines[0].Amount != 2_500_000 {
		t.Errorf("unexpected principal line: %+v", invoice.Lines[0])
	}
	if invoice.Lines[1].Label != "security_deposit" || invoice.Lines[1].NonRefundable {
		t.Errorf("deposit line must be refundable: %+v", invoice.Lines[1])
	}
	if !invoice.Lines[2].NonRefundable {
		t.Errorf("commission line must be flagged non-refundable: %+v", invoice.Lines[2])
	}
	if want := int64(1_125_000); quote.CommissionFinal != want {
		t.Errorf("commission final = %d, want %d", quote.CommissionFinal, want)
	}
	if want := 2_500_000 + 5_000_000 + int64(1_125_000); invoice.Total != want {
		t.Errorf("invoice total = %d, want %d", invoice.Total, want)
	}
}
