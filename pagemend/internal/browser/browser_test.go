package browser

import (
	"strings"
	"testing"

	"github.com/go-rod/rod/lib/proto"
)

func TestBlockSet(t *testing.T) {
	set := blockSet([]string{"images", " Fonts ", "xhr", "unknown"})
	for _, want := range []proto.NetworkResourceType{
		proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeFont,
		proto.NetworkResourceTypeXHR,
	} {
		if !set[want] {
			t.Errorf("%s should be blocked", want)
		}
	}
	if set[proto.NetworkResourceTypeDocument] {
		t.Error("documents must never be blocked")
	}
	if len(set) != 3 {
		t.Errorf("blocked types: got %d, want 3", len(set))
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("headful") != ModeHeadful || ParseMode("") != ModeHeadless || ParseMode("x") != ModeHeadless {
		t.Error("ParseMode")
	}
	if ModeHeadful.String() != "headful" {
		t.Error("Mode.String")
	}
}

func TestObserveScript(t *testing.T) {
	for _, want := range []string{bindingName, "MutationObserver", "childList: true", "window.__pagemend"} {
		if !strings.Contains(observeJS, want) {
			t.Errorf("observe.js should reference %q", want)
		}
	}
}
