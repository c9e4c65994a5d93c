package upnp

import (
	"encoding/xml"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Constants
const (
	ssdpMulticastAddr = "239.255.255.250:1900"
	ssdpMaxAge        = 1800 * time.Second

	// AVTransportURN is the only service this client drives.
	AVTransportURN = "urn:schemas-upnp-org:service:AVTransport:1"

	// compatControlPath is the well-known control path some renderers
	// actually serve when their advertised controlURL is malformed.
	compatControlPath = "/_urn:schemas-upnp-org:service:AVTransport_control"
)

// Renderer describes a discovered MediaRenderer's AVTransport endpoint.
// Read-only once selected as the cast target.
type Renderer struct {
	UDN          string `json:"udn"`
	FriendlyName string `json:"friendlyName"`
	ModelName    string `json:"modelName,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Location     string `json:"location"`
	ControlURL   string `json:"controlUrl"`
	// CompatControlURL is non-empty when the advertised controlURL had to
	// be repaired. The driver retries against it on 404 and on faults 401/501.
	CompatControlURL string    `json:"compatControlUrl,omitempty"`
	LastSeen         time.Time `json:"lastSeen"`
}

// RendererCache holds discovered renderers, expiring entries per the SSDP
// max-age so stale devices drop out between scans.
type RendererCache struct {
	cache *ttlcache.Cache[string, *Renderer]
}

func NewRendererCache() *RendererCache {
	c := ttlcache.New[string, *Renderer](
		ttlcache.WithTTL[string, *Renderer](ssdpMaxAge),
	)
	go c.Start()
	return &RendererCache{cache: c}
}

func (c *RendererCache) Set(r *Renderer) {
	c.cache.Set(r.UDN, r, ttlcache.DefaultTTL)
}

func (c *RendererCache) Get(udn string) (*Renderer, bool) {
	item := c.cache.Get(udn)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *RendererCache) GetAll() []*Renderer {
	items := c.cache.Items()
	result := make([]*Renderer, 0, len(items))
	for _, item := range items {
		result = append(result, item.Value())
	}
	return result
}

func (c *RendererCache) Stop() {
	c.cache.Stop()
}

// XML types for parsing device descriptions

type deviceDescription struct {
	XMLName xml.Name    `xml:"root"`
	URLBase string      `xml:"URLBase"`
	Device  deviceEntry `xml:"device"`
}

type deviceEntry struct {
	DeviceType   string         `xml:"deviceType"`
	FriendlyName string         `xml:"friendlyName"`
	Manufacturer string         `xml:"manufacturer"`
	ModelName    string         `xml:"modelName"`
	UDN          string         `xml:"UDN"`
	ServiceList  []serviceEntry `xml:"serviceList>service"`
	// Embedded devices may carry the AVTransport service instead of the root.
	DeviceList []deviceEntry `xml:"deviceList>device"`
}

type serviceEntry struct {
	ServiceType string `xml:"serviceType"`
	ServiceId   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

// SOAP envelope types

type soapEnvelope struct {
	XMLName       xml.Name `xml:"s:Envelope"`
	XmlnsS        string   `xml:"xmlns:s,attr"`
	EncodingStyle string   `xml:"s:encodingStyle,attr"`
	Body          soapBody `xml:"s:Body"`
}

type soapBody struct {
	Content interface{} `xml:",any"`
}

// AVTransport SOAP actions

type setAVTransportURIAction struct {
	XMLName            xml.Name `xml:"u:SetAVTransportURI"`
	XmlnsU             string   `xml:"xmlns:u,attr"`
	InstanceID         int      `xml:"InstanceID"`
	CurrentURI         string   `xml:"CurrentURI"`
	CurrentURIMetaData string   `xml:"CurrentURIMetaData"`
}

type playAction struct {
	XMLName    xml.Name `xml:"u:Play"`
	XmlnsU     string   `xml:"xmlns:u,attr"`
	InstanceID int      `xml:"InstanceID"`
	Speed      string   `xml:"Speed"`
}

type pauseAction struct {
	XMLName    xml.Name `xml:"u:Pause"`
	XmlnsU     string   `xml:"xmlns:u,attr"`
	InstanceID int      `xml:"InstanceID"`
}

type stopAction struct {
	XMLName    xml.Name `xml:"u:Stop"`
	XmlnsU     string   `xml:"xmlns:u,attr"`
	InstanceID int      `xml:"InstanceID"`
}

type getPositionInfoAction struct {
	XMLName    xml.Name `xml:"u:GetPositionInfo"`
	XmlnsU     string   `xml:"xmlns:u,attr"`
	InstanceID int      `xml:"InstanceID"`
}

type getTransportInfoAction struct {
	XMLName    xml.Name `xml:"u:GetTransportInfo"`
	XmlnsU     string   `xml:"xmlns:u,attr"`
	InstanceID int      `xml:"InstanceID"`
}

// PositionInfo is the parsed result of GetPositionInfo. Times keep the
// renderer's raw clock strings; renderers that don't implement position
// reporting answer with NOT_IMPLEMENTED.
type PositionInfo struct {
	TrackURI      string
	RelTime       string
	TrackDuration string
}

// TransportInfo is the parsed result of GetTransportInfo.
type TransportInfo struct {
	State string
}

// Transport states reported by renderers.
const (
	StatePlaying = "PLAYING"
	StatePaused  = "PAUSED_PLAYBACK"
	StateStopped = "STOPPED"
)
