package gstsource

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory is the classification of GStreamer bus errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryDevice covers missing displays, busy or vanished audio devices.
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryFormat covers caps negotiation and missing plugins.
	ErrCategoryFormat
	// ErrCategoryPermission covers X authorization and audio server access.
	ErrCategoryPermission
	// ErrCategoryUnknown is everything else.
	ErrCategoryUnknown
)

// String returns a human-readable name of the category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryFormat:
		return "format"
	case ErrCategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes a GStreamer error.
//
// go-gst's GError does not expose the error domain, so classification is
// keyword based on the message and debug string. Permission is checked
// first since those messages usually mention the device too.
func ClassifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, formatKeywords):
		return ErrCategoryFormat
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

var (
	permissionKeywords = []string{
		"permission",
		"not authorized",
		"authorization",
		"access denied",
		"xauth",
		"forbidden",
	}

	formatKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"missing plugin",
		"no element",
	}

	deviceKeywords = []string{
		"could not open display",
		"display",
		"device",
		"pulse",
		"alsa",
		"connection refused",
		"busy",
		"not found",
		"resource",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
