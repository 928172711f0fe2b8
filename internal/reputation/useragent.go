package reputation

import (
	"regexp"
	"strings"

	"github.com/humanify/server/internal/rules"
)

// UserAgent is what can be read from a User-Agent header.
type UserAgent struct {
	Browser  string
	Version  string
	OS       string
	IsMobile bool
	IsBot    bool
	BotName  string
}

var botUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)headless`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java\/`),
	regexp.MustCompile(`(?i)httpie`),
	regexp.MustCompile(`(?i)postman`),
	regexp.MustCompile(`(?i)insomnia`),
	regexp.MustCompile(`(?i)axios`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
	regexp.MustCompile(`(?i)libwww`),
	regexp.MustCompile(`(?i)apache-httpclient`),
}

var (
	chromePattern  = regexp.MustCompile(`Chrome\/(\d+)`)
	firefoxPattern = regexp.MustCompile(`Firefox\/(\d+)`)
	safariPattern  = regexp.MustCompile(`Version\/(\d+).*Safari\/`)
	edgePattern    = regexp.MustCompile(`Edg\/(\d+)`)
)

// ParseUserAgent extracts browser details. An empty header counts as a bot.
func ParseUserAgent(ua string) UserAgent {
	var info UserAgent
	if strings.TrimSpace(ua) == "" {
		info.IsBot = true
		info.BotName = "empty"
		return info
	}

	for _, pattern := range botUAPatterns {
		if match := pattern.FindString(ua); match != "" {
			info.IsBot = true
			info.BotName = strings.ToLower(match)
			return info
		}
	}

	switch {
	case edgePattern.MatchString(ua):
		info.Browser, info.Version = "Edge", edgePattern.FindStringSubmatch(ua)[1]
	case chromePattern.MatchString(ua):
		info.Browser, info.Version = "Chrome", chromePattern.FindStringSubmatch(ua)[1]
	case firefoxPattern.MatchString(ua):
		info.Browser, info.Version = "Firefox", firefoxPattern.FindStringSubmatch(ua)[1]
	case safariPattern.MatchString(ua):
		info.Browser, info.Version = "Safari", safariPattern.FindStringSubmatch(ua)[1]
	}

	// Android and iOS UAs also mention Linux / Mac OS X, so check them first.
	switch {
	case strings.Contains(ua, "Android"):
		info.OS = "Android"
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		info.OS = "iOS"
	case strings.Contains(ua, "Windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		info.OS = "macOS"
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
	}

	info.IsMobile = info.OS == "Android" || info.OS == "iOS" || strings.Contains(ua, "Mobile")
	return info
}

// Attributes exposes the parsed fields to policy rules.
func (u UserAgent) Attributes() rules.Attributes {
	attrs := rules.Attributes{
		"is_mobile": u.IsMobile,
		"ua_is_bot": u.IsBot,
	}
	if u.Browser != "" {
		attrs["browser"] = u.Browser
		attrs["browser_version"] = u.Version
	}
	if u.OS != "" {
		attrs["os"] = u.OS
	}
	if u.BotName != "" {
		attrs["ua_bot_name"] = u.BotName
	}
	return attrs
}
