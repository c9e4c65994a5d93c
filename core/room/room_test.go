package room

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseRoomURL", func() {
	It("splits the room ID off the base URL", func() {
		rm, err := ParseRoomURL("http://ktv.example.com/101")
		Expect(err).ToNot(HaveOccurred())
		Expect(rm.BaseURL).To(Equal("http://ktv.example.com"))
		Expect(rm.ID).To(Equal("101"))
	})

	It("keeps intermediate path segments in the base", func() {
		rm, err := ParseRoomURL("https://ktv.example.com/app/rooms/abc")
		Expect(err).ToNot(HaveOccurred())
		Expect(rm.BaseURL).To(Equal("https://ktv.example.com/app/rooms"))
		Expect(rm.ID).To(Equal("abc"))
	})

	It("ignores a trailing slash", func() {
		rm, err := ParseRoomURL("http://ktv.example.com/101/")
		Expect(err).ToNot(HaveOccurred())
		Expect(rm.ID).To(Equal("101"))
	})

	It("rejects non-HTTP schemes", func() {
		_, err := ParseRoomURL("ftp://ktv.example.com/101")
		Expect(errors.Is(err, ErrBadRoomURL)).To(BeTrue())
	})

	It("rejects URLs without a host", func() {
		_, err := ParseRoomURL("http:///101")
		Expect(errors.Is(err, ErrBadRoomURL)).To(BeTrue())
	})

	It("rejects URLs without a room segment", func() {
		_, err := ParseRoomURL("http://ktv.example.com/")
		Expect(errors.Is(err, ErrBadRoomURL)).To(BeTrue())
	})
})

var _ = Describe("Room", func() {
	rm := &Room{BaseURL: "http://ktv.example.com", ID: "101"}

	It("derives the socket URL by swapping the scheme", func() {
		Expect(rm.WSURL()).To(Equal("ws://ktv.example.com/ws/101"))
		secure := &Room{BaseURL: "https://ktv.example.com", ID: "101"}
		Expect(secure.WSURL()).To(Equal("wss://ktv.example.com/ws/101"))
	})

	It("derives the playlist and advance endpoints", func() {
		Expect(rm.PlaylistURL()).To(Equal("http://ktv.example.com/api/playlist/101"))
		Expect(rm.AdvanceURL()).To(Equal("http://ktv.example.com/api/advance/101"))
	})
})

var _ = Describe("Track", func() {
	It("uses the ID as identity when present", func() {
		t := &Track{ID: "t1", Title: "Song A", URL: "http://origin/a.mp4"}
		Expect(t.Identity()).To(Equal("t1"))
	})

	It("falls back to title and URL", func() {
		a := &Track{Title: "Song A", URL: "http://origin/a.mp4"}
		b := &Track{Title: "Song A", URL: "http://origin/b.mp4"}
		Expect(a.Identity()).ToNot(Equal(b.Identity()))
	})
})

var _ = Describe("Playlist", func() {
	It("returns the current track", func() {
		p := &Playlist{CurrentIndex: 1, Tracks: []Track{{ID: "a"}, {ID: "b"}}}
		Expect(p.Current().ID).To(Equal("b"))
	})

	It("returns nil for empty or out-of-range snapshots", func() {
		Expect((&Playlist{}).Current()).To(BeNil())
		Expect((&Playlist{CurrentIndex: 5, Tracks: []Track{{ID: "a"}}}).Current()).To(BeNil())
		Expect((&Playlist{CurrentIndex: -1, Tracks: []Track{{ID: "a"}}}).Current()).To(BeNil())
		var nilPlaylist *Playlist
		Expect(nilPlaylist.Current()).To(BeNil())
	})
})
