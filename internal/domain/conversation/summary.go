package conversation

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Summary describes a finished call.
type Summary struct {
	SessionID    string
	EndedAt      time.Time
	Duration     time.Duration // Rounded to whole seconds
	MessageCount int
	Topics       []string
}

// TopicOptions tunes ExtractTopics.
type TopicOptions struct {
	MaxTopics int // Keep at most this many topics
	MinLength int // Minimum word length in characters
}

// DefaultTopicOptions returns the options used when none are configured.
func DefaultTopicOptions() TopicOptions {
	return TopicOptions{MaxTopics: 5, MinLength: 5}
}

var topicStopWords = map[string]struct{}{
	"what":  {},
	"when":  {},
	"where": {},
	"which": {},
	"about": {},
}

// ExtractTopics collects distinct long words spoken by the user, in order of
// first appearance.
func ExtractTopics(messages []Message, opts TopicOptions) []string {
	if opts.MaxTopics <= 0 {
		opts.MaxTopics = DefaultTopicOptions().MaxTopics
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultTopicOptions().MinLength
	}

	seen := make(map[string]struct{})
	topics := make([]string, 0, opts.MaxTopics)

	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		for _, word := range strings.Fields(strings.ToLower(m.Text)) {
			if utf8.RuneCountInString(word) < opts.MinLength {
				continue
			}
			if _, stop := topicStopWords[word]; stop {
				continue
			}
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			topics = append(topics, word)
			if len(topics) == opts.MaxTopics {
				return topics
			}
		}
	}
	return topics
}
