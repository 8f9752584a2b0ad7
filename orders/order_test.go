package orders

import "testing"

func TestValidateRequiresOrderID(t *testing.T) {
	for _, id := range []string{"", "   "} {
		result := OrderRequest{OrderID: id, Amount: 10}.Validate()
		if result.Valid {
			t.Fatalf("order id %q must be invalid", id)
		}
		if result.Error != "OrderId is required." {
			t.Fatalf("unexpected message %q", result.Error)
		}
	}
}

func TestValidateRequiresPositiveAmount(t *testing.T) {
	cases := map[float64]string{
		0:     "Amount must be positive, but was 0.",
		-12.5: "Amount must be positive, but was -12.5.",
		-1000: "Amount must be positive, but was -1000.",
	}
	for amount, want := range cases {
		result := OrderRequest{OrderID: "A1", Amount: amount}.Validate()
		if result.Valid {
			t.Fatalf("amount %v must be invalid", amount)
		}
		if result.Error != want {
			t.Fatalf("amount %v: got %q, want %q", amount, result.Error, want)
		}
	}
}

func TestValidateAcceptsWellFormedOrder(t *testing.T) {
	result := OrderRequest{OrderID: "A1", Amount: 0.01}.Validate()
	if !result.Valid || result.Error != "" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestFormatAmountDropsTrailingZeros(t *testing.T) {
	cases := map[float64]string{
		1000:   "1000",
		1500.5: "1500.5",
		0.01:   "0.01",
		-5:     "-5",
	}
	for amount, want := range cases {
		if got := FormatAmount(amount); got != want {
			t.Fatalf("FormatAmount(%v) = %q, want %q", amount, got, want)
		}
	}
}

func TestInstanceID(t *testing.T) {
	if got := InstanceID("A1"); got != "order-A1" {
		t.Fatalf("InstanceID = %q", got)
	}
}
