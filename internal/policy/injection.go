package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edvin/jitaccess/internal/model"
)

var injectionPatterns = compileAll(
	`ignore\s+(all\s+)?(previous|prior)\s+(instructions?|prompts?)`,
	`ignore\s+(all\s+)?(your\s+)?instructions`,
	`disregard\s+(all\s+)?(rules?|instructions?)`,
	`override\s+(your\s+)?(instructions?|policy)`,
	`bypass\s+(security|restriction|guard|policy)`,
	`disable\s+security`,
	`you\s+must\s+(allow|grant|give)`,
	`system\s+prompt`,
	`admin\s+access\s+required`,
	`emergency\s+override`,
	`you\s+are\s+now`,
	`act\s+as\s+(admin|root|administrator)`,
	`pretend\s+you\s+are`,
	`from\s+now\s+on\s+you`,
	`you\s+have\s+no\s+restrictions`,
	`jailbreak`,
	`developer\s+mode`,
	`dan\s+mode`,
	`do\s+anything\s+now`,
	`no\s+restrictions`,
	`without\s+limitations`,
	`(print|output|display|show|reveal)\s+(your\s+)?(system\s+)?(instructions|prompt|rules|guidelines)`,
	`what\s+are\s+your\s+instructions`,
	`new\s+(instruction|prompt)\s*:`,
	`\[/?INST\]`,
	`<\|.*\|>`,
	`###\s*system`,
)

// escalationPatterns describe requests for identity or role manipulation.
var escalationPatterns = compileAll(
	`full\s+access`,
	`all\s+permissions`,
	`\*:\*`,
	`(create|delete)\s+(an?\s+)?(iam\s+)?(user|role)`,
	`(attach|detach)\s+(a\s+)?policy`,
	`assume\s+(a\s+)?role`,
	`(root|administrator)\s+access`,
	`ignore\s+policy`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// ScanFreeText checks free-text input for instruction overrides and
// escalation requests. A match returns a *model.SecurityAlert.
func ScanFreeText(text string) error {
	text = strings.TrimSpace(text)
	if len(text) > MaxFreeTextLength {
		return &model.SecurityAlert{
			Pattern: "max_length",
			Message: fmt.Sprintf("input exceeds maximum length of %d characters", MaxFreeTextLength),
		}
	}
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return &model.SecurityAlert{Pattern: re.String(), Message: "potential prompt injection detected"}
		}
	}
	for _, re := range escalationPatterns {
		if re.MatchString(text) {
			return &model.SecurityAlert{Pattern: re.String(), Message: "privilege escalation request detected"}
		}
	}
	return nil
}
