package discord

import "strings"

// DefaultAnnounceTemplate is used when the server has no custom
// announcement template configured.
const DefaultAnnounceTemplate = "**{name}** ({platform}) has joined this server. You can mention them with {mention}.\nPartnered with **{owner}**"

// AnnounceData carries the values substituted into an announcement
// template. Platform and OwnerMention may be empty; a line containing
// one of those placeholders with no value is dropped entirely.
type AnnounceData struct {
	Name         string
	Mention      string
	Platform     string
	Owner        string
	OwnerMention string
}

// RenderAnnouncement substitutes the placeholder grammar into tmpl.
// Placeholders are literal: {name}, {mention}, {platform}, {owner},
// {owner_mention}. When Platform or OwnerMention is empty, every line
// containing that placeholder is removed rather than left half-filled.
func RenderAnnouncement(tmpl string, data AnnounceData) string {
	lines := strings.Split(tmpl, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if data.Platform == "" && strings.Contains(line, "{platform}") {
			continue
		}
		if data.OwnerMention == "" && strings.Contains(line, "{owner_mention}") {
			continue
		}
		r := strings.NewReplacer(
			"{name}", data.Name,
			"{mention}", data.Mention,
			"{platform}", capitalize(data.Platform),
			"{owner}", data.Owner,
			"{owner_mention}", data.OwnerMention,
		)
		out = append(out, r.Replace(line))
	}
	return strings.Join(out, "\n")
}

// capitalize upper-cases the first byte of a platform tag ("claude" ->
// "Claude"). Tags are ASCII by construction.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
