package extractor

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var clientChannelRegex = regexp.MustCompile(`(?i)(?:candidate-labs|candidatelabs|clientchannel)[-\s]+([^-\s]+)`)

var titleCaser = cases.Title(language.English)

// IsClientChannel reports whether a channel name follows one of the client
// channel naming conventions (candidatelabs-, candidate-labs-, clientchannel-).
func IsClientChannel(channelName string) bool {
	return clientChannelRegex.MatchString(channelName)
}

// ExtractClientName pulls the client name out of a client channel name and
// title-cases it. Returns "" when the name matches no convention.
func ExtractClientName(channelName string) string {
	parts := strings.Split(strings.ToLower(channelName), "-")

	if idx := indexOf(parts, "candidatelabs"); idx >= 0 && idx+1 < len(parts) {
		return titleCaser.String(parts[idx+1])
	}

	for i, part := range parts {
		if strings.HasPrefix(part, "clientchannel") && i+1 < len(parts) {
			return titleCaser.String(parts[i+1])
		}
	}

	// candidate-labs-<client> splits into candidate / labs / <client>.
	if indexOf(parts, "candidate") >= 0 {
		if idx := indexOf(parts, "labs"); idx >= 0 && idx+1 < len(parts) {
			return titleCaser.String(parts[idx+1])
		}
	}

	if match := clientChannelRegex.FindStringSubmatch(channelName); match != nil {
		return titleCaser.String(strings.ToLower(match[1]))
	}
	return ""
}

func indexOf(parts []string, target string) int {
	for i, p := range parts {
		if p == target {
			return i
		}
	}
	return -1
}
