package upnp

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/core/metrics"
	"github.com/ktvcast/ktvcast/log"
)

// Discovery finds MediaRenderers exposing an AVTransport service.
type Discovery struct {
	cache  *RendererCache
	client *http.Client
}

func NewDiscovery() *Discovery {
	timeout := conf.Server.DescriptionTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Discovery{
		cache: NewRendererCache(),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Scan issues an SSDP M-SEARCH for AVTransport services and resolves every
// reply into a Renderer. An empty result is not an error; only a failure to
// bind the search socket is.
func (d *Discovery) Scan(ctx context.Context) ([]*Renderer, error) {
	metrics.RecordDiscoveryScan()
	log.Debug(ctx, "Starting SSDP discovery scan")

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}
	defer conn.Close()

	multicastAddr, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast address: %w", err)
	}

	if _, err = conn.WriteToUDP([]byte(buildMSearchRequest()), multicastAddr); err != nil {
		log.Warn(ctx, "Failed to send M-SEARCH", err)
		return nil, nil
	}
	log.Debug(ctx, "Sent SSDP M-SEARCH", "st", AVTransportURN)

	window := conf.Server.SSDPWindow
	if window == 0 {
		window = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(window))

	locations := make(map[string]bool)
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			log.Warn(ctx, "Error reading SSDP response", err)
			break
		}
		location := parseLocationFromResponse(string(buf[:n]))
		if location != "" && !locations[location] {
			locations[location] = true
			log.Debug(ctx, "Found device", "location", location)
		}
	}

	var renderers []*Renderer
	seen := make(map[string]bool)
	for location := range locations {
		renderer, err := d.fetchRenderer(ctx, location)
		if err != nil {
			log.Warn(ctx, "Skipping device", "location", location, err)
			continue
		}
		if seen[renderer.UDN] {
			continue
		}
		seen[renderer.UDN] = true
		renderers = append(renderers, renderer)
		d.cache.Set(renderer)
	}

	log.Info(ctx, "Discovery complete", "renderersFound", len(renderers))
	return renderers, nil
}

// GetRenderers returns all cached renderers.
func (d *Discovery) GetRenderers() []*Renderer {
	return d.cache.GetAll()
}

// GetRenderer returns a cached renderer by UDN.
func (d *Discovery) GetRenderer(udn string) (*Renderer, bool) {
	return d.cache.Get(udn)
}

// Close releases the cache's expiration worker.
func (d *Discovery) Close() {
	d.cache.Stop()
}

func buildMSearchRequest() string {
	mx := conf.Server.SSDPMX
	if mx <= 0 {
		mx = 3
	}
	if mx > 5 {
		mx = 5
	}
	return fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: %d\r\n"+
			"ST: %s\r\n"+
			"USER-AGENT: ktvcast/1.0 UPnP/1.0\r\n"+
			"\r\n",
		ssdpMulticastAddr, mx, AVTransportURN)
}

// parseLocationFromResponse extracts the LOCATION header from an SSDP reply.
func parseLocationFromResponse(response string) string {
	scanner := bufio.NewScanner(strings.NewReader(response))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			return strings.TrimSpace(line[len("LOCATION:"):])
		}
	}
	return ""
}

// fetchRenderer downloads and parses a device description, retrying the
// fetch once when it fails (transport error or non-200 status).
func (d *Discovery) fetchRenderer(ctx context.Context, location string) (*Renderer, error) {
	body, err := d.fetchDescription(ctx, location)
	if err != nil {
		log.Debug(ctx, "Retrying device description fetch", "location", location, err)
		body, err = d.fetchDescription(ctx, location)
	}
	if err != nil {
		return nil, err
	}

	var desc deviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("failed to parse device description: %w", err)
	}

	svc, ok := findAVTransportService(&desc.Device)
	if !ok {
		return nil, ErrUnsupportedRenderer
	}

	controlURL, compatURL, err := canonicalizeControlURL(svc.ControlURL, desc.URLBase, location)
	if err != nil {
		return nil, err
	}

	udn := strings.TrimPrefix(desc.Device.UDN, "uuid:")
	if udn == "" {
		// Some renderers omit the UDN entirely; synthesize one so the
		// cache and dedupe still work.
		udn = uuid.New().String()
	}

	name := desc.Device.FriendlyName
	if name == "" {
		name = location
	}

	return &Renderer{
		UDN:              udn,
		FriendlyName:     name,
		ModelName:        desc.Device.ModelName,
		Manufacturer:     desc.Device.Manufacturer,
		Location:         location,
		ControlURL:       controlURL,
		CompatControlURL: compatURL,
		LastSeen:         time.Now(),
	}, nil
}

func (d *Discovery) fetchDescription(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrNetworkTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status fetching description: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil && isTimeout(err) {
		return nil, ErrNetworkTimeout
	}
	return body, err
}

// findAVTransportService walks the device tree (root first, then embedded
// devices) for the first AVTransport service.
func findAVTransportService(dev *deviceEntry) (*serviceEntry, bool) {
	for i := range dev.ServiceList {
		if dev.ServiceList[i].ServiceType == AVTransportURN {
			return &dev.ServiceList[i], true
		}
	}
	for i := range dev.DeviceList {
		if svc, ok := findAVTransportService(&dev.DeviceList[i]); ok {
			return svc, true
		}
	}
	return nil, false
}

// canonicalizeControlURL turns the raw controlURL from a device description
// into an absolute URL. Relative values resolve against URLBase when
// present, else against the description URL. When the raw value is not
// already rooted, a compat URL on the well-known AVTransport control path is
// synthesized alongside, for the driver's fallback.
func canonicalizeControlURL(raw, urlBase, location string) (control, compat string, err error) {
	base := urlBase
	if base == "" {
		base = location
	}
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return "", "", fmt.Errorf("invalid description base URL %q", base)
	}
	origin := baseURL.Scheme + "://" + baseURL.Host

	rawURL, parseErr := url.Parse(raw)
	if parseErr != nil || raw == "" {
		return origin + compatControlPath, origin + compatControlPath, nil
	}
	if rawURL.IsAbs() {
		return raw, "", nil
	}

	control = baseURL.ResolveReference(rawURL).String()
	if !strings.HasPrefix(raw, "/") {
		compat = origin + compatControlPath
	}
	return control, compat, nil
}
