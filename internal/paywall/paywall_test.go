package paywall

import "testing"

func TestDecide(t *testing.T) {
	cases := []struct {
		name        string
		access      AccessContext
		showPreview bool
		options     int
	}{
		{"subscription", AccessContext{HasSubscription: true}, false, 0},
		{"unlocked", AccessContext{Unlocked: true}, false, 0},
		{"credit funded", AccessContext{ReservedCredit: 1}, false, 0},
		{"quota funded", AccessContext{QuotaFunded: true}, true, 3},
		{"quota funded but unlocked", AccessContext{QuotaFunded: true, Unlocked: true}, false, 0},
		{"no entitlement at all", AccessContext{}, true, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := Decide(c.access)
			if d.ShowPreview != c.showPreview {
				t.Fatalf("expected ShowPreview=%v, got %v", c.showPreview, d.ShowPreview)
			}
			if len(d.UnlockOptions) != c.options {
				t.Fatalf("expected %d unlock options, got %d", c.options, len(d.UnlockOptions))
			}
		})
	}
}

func TestUnlockOptionsOrder(t *testing.T) {
	d := Decide(AccessContext{QuotaFunded: true})
	want := []UnlockOption{UnlockSingle, UnlockTopUp, UnlockUpgrade}
	for i, opt := range want {
		if d.UnlockOptions[i] != opt {
			t.Fatalf("expected option %d to be %s, got %s", i, opt, d.UnlockOptions[i])
		}
	}
}
