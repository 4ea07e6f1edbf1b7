package model

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestNewOrderID_Pattern(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewOrderID(now)
	if !regexp.MustCompile(`^ORD-1700000000123-[0-9a-f]{12}$`).MatchString(id) {
		t.Fatalf("unexpected id: %s", id)
	}
	if id == NewOrderID(now) {
		t.Fatalf("ids generated in the same millisecond should differ")
	}
}

func TestValidate(t *testing.T) {
	ok := Order{OrderID: "ORD-1", Customer: "Alice", Items: []LineItem{{Name: "Burger", Quantity: 2}}, Status: StatusReceived}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}

	cases := map[string]Order{
		"no items":      {OrderID: "ORD-1", Customer: "Alice", Status: StatusReceived},
		"zero quantity": {OrderID: "ORD-1", Customer: "Alice", Items: []LineItem{{Name: "Burger"}}, Status: StatusReceived},
		"negative":      {OrderID: "ORD-1", Customer: "Alice", Items: []LineItem{{Name: "Burger", Quantity: -1}}, Status: StatusReceived},
		"empty name":    {OrderID: "ORD-1", Customer: "Alice", Items: []LineItem{{Quantity: 1}}, Status: StatusReceived},
		"blank name":    {OrderID: "ORD-1", Customer: "Alice", Items: []LineItem{{Name: "   ", Quantity: 1}}, Status: StatusReceived},
		"bad status":    {OrderID: "ORD-1", Customer: "Alice", Items: []LineItem{{Name: "x", Quantity: 1}}, Status: "shipped"},
	}
	for name, o := range cases {
		err := o.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: want ValidationError, got %v", name, err)
		}
	}
}

func TestValidateEvent(t *testing.T) {
	o := Order{OrderID: "ORD-1", Customer: "Alice", Items: []LineItem{{Name: "Burger", Quantity: 2}}}
	ev := NewEvent(o)
	if ev.EventID != "EVT-ORD-1" || ev.PartitionKey != "Alice" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if err := ValidateEvent(ev); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	ev.EventID = ""
	if err := ValidateEvent(ev); !errors.Is(err, ErrPoisonEvent) {
		t.Fatalf("want poison, got %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusReceived.Terminal() || !StatusQueued.Terminal() || !StatusFailed.Terminal() {
		t.Fatalf("terminal states wrong")
	}
}
