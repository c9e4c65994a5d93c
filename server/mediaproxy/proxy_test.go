package mediaproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var proxy *Server
	var front *httptest.Server

	BeforeEach(func() {
		proxy = New()
		proxy.localIP = "10.0.0.9"
		front = httptest.NewServer(proxy.srv.Handler)
		DeferCleanup(front.Close)
	})

	get := func(rawURL string, headers map[string]string) *http.Response {
		req, err := http.NewRequest("GET", rawURL, nil)
		Expect(err).ToNot(HaveOccurred())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		return resp
	}

	Describe("GET /proxy", func() {
		It("streams the upstream body and mirrors its headers", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "video/mp4")
				w.Header().Set("Accept-Ranges", "bytes")
				w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
				_, _ = w.Write([]byte("media-bytes"))
			}))
			defer upstream.Close()

			resp := get(front.URL+"/proxy?url="+url.QueryEscape(upstream.URL+"/a.mp4"), nil)
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("video/mp4"))
			Expect(resp.Header.Get("Accept-Ranges")).To(Equal("bytes"))
			Expect(resp.Header.Get("Last-Modified")).To(Equal("Mon, 02 Jan 2006 15:04:05 GMT"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("media-bytes"))
		})

		It("forwards Range requests and relays partial content", func() {
			var gotRange string
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotRange = r.Header.Get("Range")
				w.Header().Set("Content-Range", "bytes 0-3/11")
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write([]byte("medi"))
			}))
			defer upstream.Close()

			resp := get(front.URL+"/proxy?url="+url.QueryEscape(upstream.URL),
				map[string]string{"Range": "bytes=0-3"})
			defer resp.Body.Close()

			Expect(gotRange).To(Equal("bytes=0-3"))
			Expect(resp.StatusCode).To(Equal(http.StatusPartialContent))
			Expect(resp.Header.Get("Content-Range")).To(Equal("bytes 0-3/11"))
		})

		It("answers 502 when the upstream is unreachable", func() {
			resp := get(front.URL+"/proxy?url="+url.QueryEscape("http://127.0.0.1:1/nope"), nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})

		It("relays upstream error statuses", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}))
			defer upstream.Close()

			resp := get(front.URL+"/proxy?url="+url.QueryEscape(upstream.URL), nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("rejects requests without a url parameter", func() {
			resp := get(front.URL+"/proxy", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects relative and non-HTTP upstream URLs", func() {
			for _, bad := range []string{"/etc/passwd", "file:///etc/passwd", "ftp://h/x"} {
				resp := get(front.URL+"/proxy?url="+url.QueryEscape(bad), nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest), bad)
			}
		})

		It("serves concurrent requests", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("payload"))
			}))
			defer upstream.Close()

			done := make(chan int, 4)
			for i := 0; i < 4; i++ {
				go func() {
					resp := get(front.URL+"/proxy?url="+url.QueryEscape(upstream.URL), nil)
					defer resp.Body.Close()
					_, _ = io.ReadAll(resp.Body)
					done <- resp.StatusCode
				}()
			}
			for i := 0; i < 4; i++ {
				Expect(<-done).To(Equal(http.StatusOK))
			}
		})
	})

	Describe("StreamURL", func() {
		It("builds renderer-visible proxied URLs", func() {
			proxy.port = 8080
			got := proxy.StreamURL("http://origin/a.mp4")
			Expect(got).To(Equal("http://10.0.0.9:8080/proxy?url=http%3A%2F%2Forigin%2Fa.mp4"))
		})
	})

	Describe("metrics endpoint", func() {
		It("exposes the process counters", func() {
			// Generate at least one recorded request so the family is present.
			warm := get(front.URL+"/proxy", nil)
			warm.Body.Close()

			resp := get(front.URL+"/metrics", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("ktvcast_proxy_requests_total"))
		})
	})
})

var _ = Describe("detectLocalIP", func() {
	It("returns a usable unicast address or an error", func() {
		ip, err := detectLocalIP()
		if err == nil {
			Expect(ip).ToNot(BeEmpty())
			Expect(ip).ToNot(Equal("0.0.0.0"))
		}
	})
})

var _ = Describe("New", func() {
	It("defaults the port when unconfigured", func() {
		Expect(New().port).To(Equal(8080))
	})
})
