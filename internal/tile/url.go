package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// URLOptions configure how a template expands and how the request is sent.
type URLOptions struct {
	Subdomains []string
	TMS        bool
	// Headers are "Name: value" lines.
	Headers []string
	// Payload turns the request into a POST.
	Payload []byte
}

// FunctionPrefix marks a template that must be resolved by a host function.
const FunctionPrefix = "function"

// IsFunction reports whether the template is a host-supplied URL function.
func IsFunction(tmpl string) bool {
	return strings.HasPrefix(tmpl, FunctionPrefix)
}

// HasTilePattern reports whether a template can address individual tiles.
func HasTilePattern(tmpl string) bool {
	return (strings.Contains(tmpl, "{x}") && strings.Contains(tmpl, "{y}") && strings.Contains(tmpl, "{z}")) ||
		strings.Contains(tmpl, "{q}") ||
		strings.Contains(tmpl, "{bbox}") ||
		IsFunction(tmpl)
}

// BuildURL expands the first occurrence of each token in tmpl.
// subdomain selects the entry of opts.Subdomains used for {s}.
func BuildURL(tmpl string, t ID, opts URLOptions, subdomain int) string {
	url := strings.Replace(tmpl, "{x}", strconv.Itoa(t.X), 1)
	y := t.Y
	if opts.TMS {
		y = t.TMSY()
	}
	url = strings.Replace(url, "{y}", strconv.Itoa(y), 1)
	url = strings.Replace(url, "{z}", strconv.Itoa(t.Z), 1)
	if subdomain >= 0 && subdomain < len(opts.Subdomains) {
		url = strings.Replace(url, "{s}", opts.Subdomains[subdomain], 1)
	}
	if strings.Contains(url, "{q}") {
		url = strings.Replace(url, "{q}", t.Quadkey(), 1)
	}
	if strings.Contains(url, "{bbox}") {
		minLng, minLat, maxLng, maxLat := t.Bounds()
		bbox := fmt.Sprintf("%.8f,%.8f,%.8f,%.8f", minLng, minLat, maxLng, maxLat)
		url = strings.Replace(url, "{bbox}", bbox, 1)
	}
	return url
}
