package query

import "testing"

func TestWildcardConstraintMatching(t *testing.T) {
	c := Constraint{Operator: OpWildcard, Value: "CT*"}
	if !c.matches("CTHEAD") {
		t.Fatal("expected CT* to match CTHEAD")
	}
	if c.matches("MRHEAD") {
		t.Fatal("did not expect CT* to match MRHEAD")
	}
}

func TestWildcardConstraintMatchingIsCaseInsensitiveByDefault(t *testing.T) {
	c := Constraint{Operator: OpWildcard, Value: "ct*"}
	if !c.matches("CTHEAD") {
		t.Fatal("expected case-insensitive wildcard match")
	}
}

func TestSingleCharacterWildcard(t *testing.T) {
	c := Constraint{Operator: OpWildcard, Value: "A?C", CaseSensitive: true}
	if !c.matches("ABC") {
		t.Fatal("expected A?C to match ABC")
	}
	if c.matches("ABBC") {
		t.Fatal("did not expect A?C to match ABBC")
	}
}

func TestListOperator(t *testing.T) {
	c := Constraint{Operator: OpList, Values: []string{"CT", "MR"}, CaseSensitive: true}
	if !c.matches("MR") {
		t.Fatal("expected MR to be in list")
	}
	if c.matches("US") {
		t.Fatal("did not expect US to be in list")
	}
}

func TestRangeOperator(t *testing.T) {
	c := Constraint{Operator: OpRange, Low: "20200101", High: "20201231"}
	if !c.matches("20200615") {
		t.Fatal("expected date within range to match")
	}
	if c.matches("20210101") {
		t.Fatal("did not expect date outside range to match")
	}
}

func TestMandatoryPresenceOperator(t *testing.T) {
	c := Constraint{Operator: OpMandatoryPresence}
	if !c.matches("anything") {
		t.Fatal("expected non-empty value to satisfy mandatory presence")
	}
	if c.matches("") {
		t.Fatal("did not expect empty value to satisfy mandatory presence")
	}
}
