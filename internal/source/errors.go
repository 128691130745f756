package source

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// errorCategory classifies pipeline bus errors for logging. Network
// failures are worth reconnecting; codec failures usually are not, but the
// reconnect budget bounds both.
type errorCategory int

const (
	errCategoryNetwork errorCategory = iota
	errCategoryCodec
	errCategoryUnknown
)

func (e errorCategory) String() string {
	switch e {
	case errCategoryNetwork:
		return "network"
	case errCategoryCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// classifyPipelineError categorizes a GStreamer error by message
// heuristics; go-gst's GError does not expose the error domain.
func classifyPipelineError(gerr *gst.GError) errorCategory {
	if gerr == nil {
		return errCategoryUnknown
	}
	combined := strings.ToLower(gerr.Error() + " " + gerr.DebugString())

	codecKeywords := []string{
		"codec", "decode", "format", "negotiation", "caps",
		"h264", "not negotiated", "no decoder", "missing plugin", "demux",
	}
	for _, kw := range codecKeywords {
		if strings.Contains(combined, kw) {
			return errCategoryCodec
		}
	}

	networkKeywords := []string{
		"connection", "timeout", "unreachable", "network", "dns",
		"resolve", "socket", "udp", "bind", "address",
	}
	for _, kw := range networkKeywords {
		if strings.Contains(combined, kw) {
			return errCategoryNetwork
		}
	}

	return errCategoryUnknown
}
