package remote

import "strings"

// ParseLinkHeader parses an RFC 8288 style Link header such as
//
//	<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"
//
// into a relation to URL map. Malformed segments are ignored.
func ParseLinkHeader(header string) map[string]string {
	links := map[string]string{}
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		target = target[1 : len(target)-1]
		for _, param := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(key) != "rel" {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
				links[rel] = target
			}
		}
	}
	return links
}
