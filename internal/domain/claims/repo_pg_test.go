package claims

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestListWhere_SearchIsLiteral(t *testing.T) {
	org := uuid.New()
	clause, args := listWhere(org, Filter{Status: StatusPending, Search: "  50%_off  "})

	if len(args) != 3 || args[0] != org || args[1] != "pending" {
		t.Fatalf("unexpected args %v", args)
	}
	if args[2] != `%50\%\_off%` {
		t.Errorf("expected wildcards escaped, got %q", args[2])
	}
	if n := strings.Count(clause, `ILIKE $3 ESCAPE '\'`); n != 3 {
		t.Errorf("expected every search column to declare the escape, got %q", clause)
	}
}

func TestListWhere_NoSearch(t *testing.T) {
	clause, args := listWhere(uuid.New(), Filter{Search: "   "})
	if clause != "organization_id = $1" || len(args) != 1 {
		t.Errorf("unexpected clause %q args %v", clause, args)
	}
}
