package validation

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
)

// bad-words.txt is a plain text file with profanity words separated by
// whitespace (typically one word per line). No punctuation or comments.
//
//go:embed bad-words.txt
var badWordsRaw string

var badWords = func() map[string]struct{} {
	words := strings.Fields(badWordsRaw)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}()

const asciiPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// CheckProfanity validates that content does not contain words from the
// profanity list. Content is lower-cased, split on whitespace, and each
// token is stripped of surrounding punctuation before the lookup.
func CheckProfanity(content string) error {
	if len(badWords) == 0 {
		return nil
	}

	var found []string
	seen := make(map[string]struct{})
	for _, token := range strings.Fields(strings.ToLower(content)) {
		word := strings.Trim(token, asciiPunctuation)
		if _, bad := badWords[word]; !bad {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		found = append(found, word)
	}

	if len(found) > 0 {
		sort.Strings(found)
		return fmt.Errorf("using profanity (%s) is prohibited, please correct the content", strings.Join(found, ", "))
	}
	return nil
}
