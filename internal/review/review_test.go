package review

import "testing"

func TestCategoryLabel(t *testing.T) {
	cases := map[int]string{
		-1: CategoryOther,
		0:  CategoryOther,
		1:  CategoryCustomerService,
		3:  CategoryMobileWebBank,
		4:  CategoryFeesInterest,
		9:  CategoryOther,
	}
	for code, want := range cases {
		if got := CategoryLabel(code); got != want {
			t.Fatalf("CategoryLabel(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestCategoryCode(t *testing.T) {
	code, ok := CategoryCode("  Counseling ")
	if !ok || code != 2 {
		t.Fatalf("expected counseling -> 2, got %d %v", code, ok)
	}
	if _, ok := CategoryCode("shipping"); ok {
		t.Fatalf("unknown label should not map")
	}
}

func TestCategoriesIsACopy(t *testing.T) {
	c := Categories()
	c[0] = "mutated"
	if Categories()[0] != CategoryOther {
		t.Fatalf("Categories must not expose internal slice")
	}
}
