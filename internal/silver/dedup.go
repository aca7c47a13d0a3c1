package silver

import (
	"strings"

	"github.com/rotisserie/eris"
)

// DedupPolicy decides which clean record survives when several bronze
// records in a batch carry the same decision_id.
type DedupPolicy string

const (
	// DedupFirstWins keeps the earliest record by ingestion time, source id
	// and arrival sequence.
	DedupFirstWins DedupPolicy = "first_wins"
	// DedupLastWins keeps the latest record under the same ordering.
	DedupLastWins DedupPolicy = "last_wins"
	// DedupNone keeps every clean record.
	DedupNone DedupPolicy = "none"
)

// ParseDedupPolicy resolves a policy name. Empty selects first_wins.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch p := DedupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DedupFirstWins, nil
	case DedupFirstWins, DedupLastWins, DedupNone:
		return p, nil
	}
	return "", eris.Errorf("silver: unknown dedup policy %q", s)
}
