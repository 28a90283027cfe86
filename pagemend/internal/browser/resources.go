package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceTypes maps config names to CDP resource types.
var resourceTypes = map[string]proto.NetworkResourceType{
	"images":      proto.NetworkResourceTypeImage,
	"fonts":       proto.NetworkResourceTypeFont,
	"media":       proto.NetworkResourceTypeMedia,
	"stylesheets": proto.NetworkResourceTypeStylesheet,
}

// blockResources fails requests for the configured resource types. Pages
// are mended, not looked at, so images and fonts are dead weight.
func blockResources(page *rod.Page, names []string) {
	block := blockSet(names)

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if block[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

func blockSet(names []string) map[proto.NetworkResourceType]bool {
	set := make(map[proto.NetworkResourceType]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if t, ok := resourceTypes[n]; ok {
			set[t] = true
			continue
		}
		// Raw CDP names ("Script", "XHR") pass through.
		for _, t := range []proto.NetworkResourceType{
			proto.NetworkResourceTypeScript,
			proto.NetworkResourceTypeXHR,
			proto.NetworkResourceTypeFetch,
			proto.NetworkResourceTypeWebSocket,
		} {
			if strings.EqualFold(string(t), n) {
				set[t] = true
			}
		}
	}
	return set
}
