// Package reputation turns a client address into category labels and a
// bot/human verdict.
package reputation

import (
	"errors"
	"slices"
	"strings"
)

var (
	ErrInvalidAddress = errors.New("reputation: invalid address")
	ErrLookupTimeout  = errors.New("reputation: lookup timed out")
)

// Label is a category tag attached to an address.
type Label string

const (
	LabelProxy            Label = "proxy"
	LabelDatacenter       Label = "datacenter"
	LabelForumSpammer     Label = "forum-spammer"
	LabelThreatList       Label = "threat-list-member"
	LabelTorExitNode      Label = "tor-exit-node"
	LabelMalformedAddress Label = "malformed-address"

	// CategoryVPN is the category of every VPN(provider) label.
	CategoryVPN = "vpn"
)

// VPNProviders are the ipset groups that name a VPN provider.
var VPNProviders = []string{
	"NordVPN",
	"ProtonVPN",
	"ExpressVPN",
	"Surfshark",
	"PrivateInternetAccess",
	"CyberGhost",
	"TunnelBear",
	"Mullvad",
}

// VPN returns the label for a VPN provider.
func VPN(provider string) Label {
	return Label(CategoryVPN + "(" + provider + ")")
}

// Category strips the provider from VPN labels.
func (l Label) Category() string {
	if _, ok := l.VPNProvider(); ok {
		return CategoryVPN
	}
	return string(l)
}

// VPNProvider returns the provider for a VPN label.
func (l Label) VPNProvider() (string, bool) {
	s := string(l)
	if !strings.HasPrefix(s, CategoryVPN+"(") || !strings.HasSuffix(s, ")") {
		return "", false
	}
	return s[len(CategoryVPN)+1 : len(s)-1], true
}

// groupLabels maps ipset group names to labels.
var groupLabels = map[string]Label{
	"FireholProxies": LabelProxy,
	"AwesomeProxies": LabelProxy,
	"Datacenter":     LabelDatacenter,
	"StopForumSpam":  LabelForumSpammer,
	"FireholLevel1":  LabelThreatList,
	"TorExitNodes":   LabelTorExitNode,
}

func init() {
	for _, p := range VPNProviders {
		groupLabels[p] = VPN(p)
	}
}

// LabelsFromGroups converts ipset group names to labels. Unknown groups are
// ignored.
func LabelsFromGroups(groups []string) []Label {
	var labels []Label
	for _, g := range groups {
		if l, ok := groupLabels[g]; ok {
			labels = append(labels, l)
		}
	}
	return normalize(labels)
}

// normalize sorts and de-duplicates labels.
func normalize(labels []Label) []Label {
	slices.Sort(labels)
	return slices.Compact(labels)
}

// DefaultRejectCategories are the categories that make a client a bot.
var DefaultRejectCategories = []string{
	string(LabelProxy),
	string(LabelDatacenter),
	string(LabelForumSpammer),
	string(LabelThreatList),
	string(LabelTorExitNode),
}

// reasonOrder ranks categories when several fire, most specific first.
var reasonOrder = []string{
	string(LabelMalformedAddress),
	string(LabelTorExitNode),
	string(LabelThreatList),
	string(LabelForumSpammer),
	string(LabelProxy),
	CategoryVPN,
	string(LabelDatacenter),
}

func rank(category string) int {
	if i := slices.Index(reasonOrder, category); i >= 0 {
		return i
	}
	return len(reasonOrder)
}

// IsCategory reports whether s names a label category.
func IsCategory(s string) bool {
	return slices.Contains(reasonOrder, s)
}
