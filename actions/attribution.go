package actions

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

const phabricatorTrailer = "Original Phabricator Diff"

const pullURL = `https://github\.com/([^/\s]+/[^/\s]+)/pull/(\d+)`

// Trailer patterns capture the linked repo and PR number; the repo is compared
// after matching.
var (
	revertTrailer = regexp.MustCompile(`^Reverted ` + pullURL + ` on behalf of \S+ due to\b`)
	mergeTrailer  = regexp.MustCompile(`^Pull Request resolved: ` + pullURL + `$`)
)

// messageLines normalises a commit message (width folding, then NFC) and
// returns its trimmed, non-empty lines.
func messageLines(message string) []string {
	message = norm.NFC.String(width.Fold.String(message))
	var lines []string
	for _, line := range strings.Split(message, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func isRevertTitle(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	title := lines[0]
	if strings.HasPrefix(title, `Revert "`) {
		return true
	}
	if strings.HasPrefix(title, `Back out "`) {
		for _, line := range lines[1:] {
			if strings.HasPrefix(line, phabricatorTrailer) {
				return true
			}
		}
	}
	return false
}

// IsRevert returns the number of the pull request reverted by a commit
// produced by the merge bot.
func IsRevert(message, repo string) (int, bool) {
	lines := messageLines(message)
	if !isRevertTitle(lines) {
		return 0, false
	}
	for _, line := range lines[1:] {
		if m := revertTrailer.FindStringSubmatch(line); m != nil && m[1] == repo {
			return atoiPR(m[2])
		}
	}
	return 0, false
}

// IsMerge returns the number of the pull request landed by a commit produced by
// the merge bot.
func IsMerge(message, repo string) (int, bool) {
	lines := messageLines(message)
	if len(lines) == 0 || isRevertTitle(lines) {
		return 0, false
	}
	pr, found := 0, false
	approved := false
	for _, line := range lines[1:] {
		if m := mergeTrailer.FindStringSubmatch(line); m != nil && m[1] == repo && !found {
			pr, found = atoiPR(m[2])
		}
		if strings.HasPrefix(line, "Approved by: ") && strings.TrimSpace(strings.TrimPrefix(line, "Approved by: ")) != "" {
			approved = true
		}
	}
	if !found || !approved {
		return 0, false
	}
	return pr, true
}

func atoiPR(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
