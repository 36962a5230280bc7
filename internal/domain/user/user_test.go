package user

import "testing"

func TestUser_Fields(t *testing.T) {
	u := User{
		ID:       "11111111-1111-1111-1111-111111111111",
		Email:    "a@b.com",
		Username: "alice",
		Name:     "Alice",
		Plan:     PlanPro,
	}

	if u.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if u.Plan != PlanPro {
		t.Errorf("got plan %q, want %q", u.Plan, PlanPro)
	}
}
