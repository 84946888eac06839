package models

import "testing"

func TestTradeValidate(t *testing.T) {
	valid := Trade{TradeID: "X1", MarketTicker: "M1", YesPrice: 36, NoPrice: 64, Count: 10, TakerSide: SideYes, Ts: 1700000000}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid trade, got %v", err)
	}

	cases := []Trade{
		{MarketTicker: "M1", YesPrice: 1, NoPrice: 1, Count: 1, TakerSide: SideYes},
		{TradeID: "X", YesPrice: 1, NoPrice: 1, Count: 1, TakerSide: SideYes},
		{TradeID: "X", MarketTicker: "M1", YesPrice: 100, NoPrice: 1, Count: 1, TakerSide: SideYes},
		{TradeID: "X", MarketTicker: "M1", YesPrice: 1, NoPrice: -1, Count: 1, TakerSide: SideYes},
		{TradeID: "X", MarketTicker: "M1", YesPrice: 1, NoPrice: 1, Count: 0, TakerSide: SideYes},
		{TradeID: "X", MarketTicker: "M1", YesPrice: 1, NoPrice: 1, Count: 1, TakerSide: "sideways"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error, got none", i)
		}
	}
}
