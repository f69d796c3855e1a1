package dice

import "fmt"

// ScoreSelection sums the penalty points of the selected dice. Every id must
// name a die from the roll exactly once.
func ScoreSelection(rolled []Die, selectedIDs []string) (int, error) {
	if len(selectedIDs) == 0 {
		return 0, fmt.Errorf("score requires at least one die")
	}
	byID := make(map[string]Die, len(rolled))
	for _, d := range rolled {
		byID[d.ID] = d
	}
	seen := make(map[string]bool, len(selectedIDs))
	points := 0
	for _, id := range selectedIDs {
		if seen[id] {
			return 0, fmt.Errorf("die %q selected twice", id)
		}
		seen[id] = true
		d, ok := byID[id]
		if !ok {
			return 0, fmt.Errorf("die %q is not part of the roll", id)
		}
		points += d.Points()
	}
	return points, nil
}
