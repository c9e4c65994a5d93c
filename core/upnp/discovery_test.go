package upnp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const descriptionTemplate = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
%s
<device>
<deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
<friendlyName>Living Room TV</friendlyName>
<manufacturer>Acme</manufacturer>
<modelName>TV-9000</modelName>
<UDN>uuid:abcd-1234</UDN>
<serviceList>
<service>
<serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
<controlURL>/rc</controlURL>
</service>
<service>
<serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
<controlURL>%s</controlURL>
</service>
</serviceList>
</device>
</root>`

var _ = Describe("Discovery", func() {
	Describe("parseLocationFromResponse", func() {
		It("extracts the LOCATION header", func() {
			response := "HTTP/1.1 200 OK\r\n" +
				"CACHE-CONTROL: max-age=1800\r\n" +
				"LOCATION: http://192.168.1.50:49152/desc.xml\r\n" +
				"ST: urn:schemas-upnp-org:service:AVTransport:1\r\n" +
				"\r\n"
			Expect(parseLocationFromResponse(response)).To(Equal("http://192.168.1.50:49152/desc.xml"))
		})

		It("matches the header case-insensitively", func() {
			Expect(parseLocationFromResponse("HTTP/1.1 200 OK\r\nLocation: http://h/d.xml\r\n\r\n")).
				To(Equal("http://h/d.xml"))
		})

		It("returns empty when missing", func() {
			Expect(parseLocationFromResponse("HTTP/1.1 200 OK\r\n\r\n")).To(Equal(""))
		})
	})

	Describe("canonicalizeControlURL", func() {
		It("keeps absolute URLs as-is, with no compat form", func() {
			control, compat, err := canonicalizeControlURL(
				"http://192.168.1.50:49152/ctrl", "", "http://192.168.1.50:49152/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(control).To(Equal("http://192.168.1.50:49152/ctrl"))
			Expect(compat).To(Equal(""))
		})

		It("resolves rooted paths against the description origin, with no compat form", func() {
			control, compat, err := canonicalizeControlURL(
				"/ctrl", "", "http://192.168.1.50:49152/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(control).To(Equal("http://192.168.1.50:49152/ctrl"))
			Expect(compat).To(Equal(""))
		})

		It("prefers URLBase for resolution", func() {
			control, _, err := canonicalizeControlURL(
				"/ctrl", "http://192.168.1.50:8888/", "http://192.168.1.50:49152/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(control).To(Equal("http://192.168.1.50:8888/ctrl"))
		})

		It("synthesizes a compat URL for unrooted paths", func() {
			control, compat, err := canonicalizeControlURL(
				"_urn:schemas-upnp-org:service:AVTransport_control", "",
				"http://192.168.1.50:49152/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(control).To(HavePrefix("http://192.168.1.50:49152/"))
			Expect(compat).To(Equal("http://192.168.1.50:49152/_urn:schemas-upnp-org:service:AVTransport_control"))
		})

		It("falls back to the compat path when the raw value is empty", func() {
			control, compat, err := canonicalizeControlURL("", "", "http://h:1/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(control).To(Equal("http://h:1" + compatControlPath))
			Expect(compat).To(Equal(control))
		})

		It("fails when the base URL is unusable", func() {
			_, _, err := canonicalizeControlURL("/ctrl", "", "not a url")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("fetchRenderer", func() {
		var discovery *Discovery

		BeforeEach(func() {
			discovery = NewDiscovery()
			DeferCleanup(discovery.Close)
		})

		It("parses a device description into a Renderer", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, descriptionTemplate, "", "/ctrl")
			}))
			defer server.Close()

			renderer, err := discovery.fetchRenderer(context.Background(), server.URL+"/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(renderer.FriendlyName).To(Equal("Living Room TV"))
			Expect(renderer.UDN).To(Equal("abcd-1234"))
			Expect(renderer.ControlURL).To(Equal(server.URL + "/ctrl"))
			Expect(renderer.CompatControlURL).To(Equal(""))
		})

		It("resolves the control URL against URLBase when present", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, descriptionTemplate, "<URLBase>http://10.1.2.3:9999/</URLBase>", "/ctrl")
			}))
			defer server.Close()

			renderer, err := discovery.fetchRenderer(context.Background(), server.URL+"/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(renderer.ControlURL).To(Equal("http://10.1.2.3:9999/ctrl"))
		})

		It("rejects devices without an AVTransport service", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<root><device><UDN>uuid:x</UDN><serviceList><service>
<serviceType>urn:schemas-upnp-org:service:ContentDirectory:1</serviceType>
<controlURL>/cd</controlURL></service></serviceList></device></root>`))
			}))
			defer server.Close()

			_, err := discovery.fetchRenderer(context.Background(), server.URL+"/desc.xml")
			Expect(err).To(MatchError(ErrUnsupportedRenderer))
		})

		It("retries the description fetch once", func() {
			var hits int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&hits, 1) == 1 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				fmt.Fprintf(w, descriptionTemplate, "", "/ctrl")
			}))
			defer server.Close()

			renderer, err := discovery.fetchRenderer(context.Background(), server.URL+"/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(renderer.UDN).To(Equal("abcd-1234"))
			Expect(atomic.LoadInt32(&hits)).To(Equal(int32(2)))
		})

		It("finds the AVTransport service on an embedded device", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<root><device>
<friendlyName>Root</friendlyName><UDN>uuid:root</UDN>
<deviceList><device>
<friendlyName>Embedded</friendlyName><UDN>uuid:sub</UDN>
<serviceList><service>
<serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
<controlURL>/av</controlURL></service></serviceList>
</device></deviceList>
</device></root>`))
			}))
			defer server.Close()

			renderer, err := discovery.fetchRenderer(context.Background(), server.URL+"/desc.xml")
			Expect(err).ToNot(HaveOccurred())
			Expect(renderer.ControlURL).To(Equal(server.URL + "/av"))
		})
	})

	Describe("RendererCache", func() {
		It("stores and lists renderers by UDN", func() {
			cache := NewRendererCache()
			defer cache.Stop()
			cache.Set(&Renderer{UDN: "a", FriendlyName: "A"})
			cache.Set(&Renderer{UDN: "b", FriendlyName: "B"})
			cache.Set(&Renderer{UDN: "a", FriendlyName: "A2"})

			r, ok := cache.Get("a")
			Expect(ok).To(BeTrue())
			Expect(r.FriendlyName).To(Equal("A2"))
			Expect(cache.GetAll()).To(HaveLen(2))
		})
	})
})
