package upnp

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// BuildDIDL creates the DIDL-Lite metadata document for SetAVTransportURI.
// The renderer needs the <res> element's protocolInfo to accept the stream;
// without it many devices answer with fault 714 (Illegal MIME-Type). The
// returned document is embedded as the CurrentURIMetaData value, where the
// envelope marshaling escapes it exactly once.
func BuildDIDL(title, creator, mimeType, streamURI string, duration time.Duration) string {
	if mimeType == "" {
		mimeType = "video/*"
	}
	class := "object.item.videoItem"
	if strings.HasPrefix(mimeType, "audio/") {
		class = "object.item.audioItem"
	}

	var creatorElement string
	if creator != "" {
		creatorElement = fmt.Sprintf("<dc:creator>%s</dc:creator>", html.EscapeString(creator))
	}

	protocolInfo := fmt.Sprintf("http-get:*:%s:*", mimeType)
	var durationAttr string
	if duration > 0 {
		durationAttr = fmt.Sprintf(" duration=%q", FormatClock(duration))
	}
	resElement := fmt.Sprintf("<res protocolInfo=%q%s>%s</res>", protocolInfo, durationAttr, html.EscapeString(streamURI))

	return fmt.Sprintf(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`+
		`<item id="0" parentID="-1" restricted="1">`+
		`<dc:title>%s</dc:title>`+
		`%s`+
		`<upnp:class>%s</upnp:class>`+
		`%s`+
		`</item>`+
		`</DIDL-Lite>`,
		html.EscapeString(title),
		creatorElement,
		class,
		resElement)
}

// ParseDIDL extracts the title and resource URL back out of a DIDL-Lite
// document, tolerating the entity-encoded form renderers echo in
// GetPositionInfo responses.
func ParseDIDL(metadata string) (title, resURL string) {
	if !strings.Contains(metadata, "<DIDL-Lite") {
		metadata = html.UnescapeString(metadata)
	}
	if v, ok := extractXMLValue(metadata, "title"); ok {
		title = html.UnescapeString(v)
	}
	if v, ok := extractXMLValue(metadata, "res"); ok {
		resURL = html.UnescapeString(v)
	}
	return title, resURL
}
