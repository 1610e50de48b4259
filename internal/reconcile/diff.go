package reconcile

import "sort"

// DefaultMatchWindow is the largest column shift at which an edited fragment on the same line is
// still treated as the same task.
const DefaultMatchWindow = 12

// Command kinds issued by a reconciliation pass.
const (
	KindCreate     = "create"
	KindUpdateText = "update_text"
	KindRelocate   = "relocate"
	KindOrphan     = "orphan"
)

// KnownFragment is the fragment a linked task was last reconciled against.
type KnownFragment struct {
	TaskID string
	Fragment
}

// Command is one mutation needed to bring derived tasks in line with a document.
type Command struct {
	Kind     string   `json:"kind"`
	TaskID   string   `json:"task_id,omitempty"`
	Fragment Fragment `json:"fragment"`
}

// Diff matches the fragments of a save against the fragments known from the previous save.
// Matching runs in passes: identical text at the identical position, identical text anywhere
// (the fragment moved, nearest copy first), then the same line within window columns when exactly one candidate
// exists on each side (the text was edited). Unmatched current fragments become new tasks and
// unmatched known fragments are orphaned.
func Diff(previous []KnownFragment, current []Fragment, window int) []Command {
	if window < 0 {
		window = 0
	}
	matchedPrevious := make([]bool, len(previous))
	matchedCurrent := make([]bool, len(current))
	var commands []Command

	for ci, fragment := range current {
		for pi, known := range previous {
			if matchedPrevious[pi] || known.Fragment != fragment {
				continue
			}
			matchedPrevious[pi], matchedCurrent[ci] = true, true
			break
		}
	}

	for _, pair := range movedPairs(previous, matchedPrevious, current, matchedCurrent) {
		if matchedPrevious[pair.previous] || matchedCurrent[pair.current] {
			continue
		}
		matchedPrevious[pair.previous], matchedCurrent[pair.current] = true, true
		commands = append(commands, Command{Kind: KindRelocate, TaskID: previous[pair.previous].TaskID, Fragment: current[pair.current]})
	}

	for ci, fragment := range current {
		if matchedCurrent[ci] {
			continue
		}
		pi, ok := soleCandidate(previous, matchedPrevious, fragment, window)
		if !ok {
			continue
		}
		if _, back := soleCurrent(current, matchedCurrent, previous[pi].Fragment, window); back != ci {
			continue
		}
		matchedPrevious[pi], matchedCurrent[ci] = true, true
		commands = append(commands, Command{Kind: KindUpdateText, TaskID: previous[pi].TaskID, Fragment: fragment})
	}

	for ci, fragment := range current {
		if !matchedCurrent[ci] {
			commands = append(commands, Command{Kind: KindCreate, Fragment: fragment})
		}
	}
	for pi, known := range previous {
		if !matchedPrevious[pi] {
			commands = append(commands, Command{Kind: KindOrphan, TaskID: known.TaskID, Fragment: known.Fragment})
		}
	}
	return commands
}

type candidatePair struct {
	previous, current int
	lines, columns    int
}

// movedPairs lists every unmatched pair with identical text, nearest first: fewest lines apart,
// then fewest columns apart, then document order.
func movedPairs(previous []KnownFragment, matchedPrevious []bool, current []Fragment, matchedCurrent []bool) []candidatePair {
	var pairs []candidatePair
	for ci, fragment := range current {
		if matchedCurrent[ci] {
			continue
		}
		for pi, known := range previous {
			if matchedPrevious[pi] || known.Text != fragment.Text {
				continue
			}
			pairs = append(pairs, candidatePair{
				previous: pi,
				current:  ci,
				lines:    abs(known.Line - fragment.Line),
				columns:  abs(known.Offset - fragment.Offset),
			})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].lines != pairs[j].lines {
			return pairs[i].lines < pairs[j].lines
		}
		return pairs[i].columns < pairs[j].columns
	})
	return pairs
}

func abs(value int) int {
	if value < 0 {
		return -value
	}
	return value
}

func near(a, b Fragment, window int) bool {
	if a.Line != b.Line {
		return false
	}
	return abs(a.Offset-b.Offset) <= window
}

func soleCandidate(previous []KnownFragment, matched []bool, fragment Fragment, window int) (int, bool) {
	found := -1
	for pi, known := range previous {
		if matched[pi] || !near(known.Fragment, fragment, window) {
			continue
		}
		if found >= 0 {
			return -1, false
		}
		found = pi
	}
	return found, found >= 0
}

func soleCurrent(current []Fragment, matched []bool, fragment Fragment, window int) (bool, int) {
	found := -1
	for ci, candidate := range current {
		if matched[ci] || !near(candidate, fragment, window) {
			continue
		}
		if found >= 0 {
			return false, -1
		}
		found = ci
	}
	return found >= 0, found
}
