package cast

import (
	"context"
	"sync"
	"time"

	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/core/room"
	"github.com/ktvcast/ktvcast/core/upnp"
	"github.com/ktvcast/ktvcast/log"
)

// Controller is the slice of the AVTransport driver the synchronizer
// drives. *upnp.AVTransport satisfies it.
type Controller interface {
	SetAVTransportURI(ctx context.Context, r *upnp.Renderer, uri string, metadata string) error
	Play(ctx context.Context, r *upnp.Renderer) error
	Pause(ctx context.Context, r *upnp.Renderer) error
	Stop(ctx context.Context, r *upnp.Renderer) error
	GetPositionInfo(ctx context.Context, r *upnp.Renderer) (*upnp.PositionInfo, error)
}

// Advancer is the slice of the room client the synchronizer needs.
// *room.Client satisfies it.
type Advancer interface {
	Advance(ctx context.Context) error
	GetPlaylist(ctx context.Context) (*room.Playlist, error)
}

// Synchronizer reconciles the room's currently-playing track with one
// renderer. It owns the cast state: all SOAP calls that mutate renderer
// state go through its single loop, so reconciliation is serial.
type Synchronizer struct {
	renderer  *upnp.Renderer
	transport Controller
	remote    Advancer
	source    room.Source
	streamURL func(string) string

	pauseCh chan struct{}

	mu     sync.Mutex
	status Status

	// OnTransition, when set before Run, is called after every state
	// change. Used by the CLI for its one-line status output.
	OnTransition func(Status)

	// end-of-track detection
	sawNonZero bool
	zeroReads  int

	lostSince  time.Time
	lostWarned bool
}

// New creates a synchronizer casting to renderer. streamURL maps a remote
// media URL to its proxied form; every URI handed to the renderer goes
// through it.
func New(renderer *upnp.Renderer, transport Controller, remote Advancer, source room.Source, streamURL func(string) string) *Synchronizer {
	return &Synchronizer{
		renderer:  renderer,
		transport: transport,
		remote:    remote,
		source:    source,
		streamURL: streamURL,
		pauseCh:   make(chan struct{}, 1),
		status:    Status{State: StateIdle},
	}
}

// Status returns a copy of the current cast status.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TogglePause requests a pause/resume flip. Safe from any goroutine.
func (s *Synchronizer) TogglePause() {
	select {
	case s.pauseCh <- struct{}{}:
	default:
	}
}

// Run consumes transport events and drives the renderer until ctx is
// canceled. Its last act is a best-effort Stop with a shortened deadline.
func (s *Synchronizer) Run(ctx context.Context) error {
	defer s.finalStop()

	interval := conf.Server.PositionInterval
	if interval == 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.source.Events():
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		case <-s.pauseCh:
			s.togglePause(ctx)
		case <-ticker.C:
			if s.Status().State == StatePlaying {
				s.pollPosition(ctx)
			}
		}
	}
}

func (s *Synchronizer) handleEvent(ctx context.Context, ev room.Event) {
	switch ev.Type {
	case room.EventSnapshot:
		s.clearLost(ctx)
		s.reconcile(ctx, ev.Playlist.Current())
	case room.EventAdvance:
		s.clearLost(ctx)
		s.handleAdvance(ctx)
	case room.EventLost:
		s.noteLost(ctx)
	}
}

// reconcile makes the renderer match the desired track. It is idempotent:
// re-applying the same snapshot does nothing once the states agree.
func (s *Synchronizer) reconcile(ctx context.Context, desired *room.Track) {
	status := s.Status()

	if desired == nil {
		if status.State.active() {
			if err := s.transport.Stop(ctx, s.renderer); err != nil {
				log.Warn(ctx, "Stop failed", "renderer", s.renderer.FriendlyName, err)
			}
			s.setStatus(Status{State: StateIdle})
		}
		return
	}

	// An Ended track with an unchanged identity means the remote hasn't
	// advanced yet; restarting it here would loop the song.
	sameTrack := status.Track != nil && status.Track.Identity() == desired.Identity()
	if sameTrack && (status.State.active() || status.State == StateEnded) {
		return
	}

	// Switching tracks: a failed Stop must not block the new track.
	if status.State.active() {
		if err := s.transport.Stop(ctx, s.renderer); err != nil {
			log.Debug(ctx, "Ignoring Stop failure during track switch", err)
		}
	}
	s.startTrack(ctx, desired)
}

func (s *Synchronizer) startTrack(ctx context.Context, track *room.Track) {
	s.setStatus(Status{State: StatePreparing, Track: track})

	uri := s.streamURL(track.URL)
	metadata := upnp.BuildDIDL(track.Title, conf.Server.Nickname, track.Mime, uri,
		time.Duration(track.Duration)*time.Second)

	if err := s.transport.SetAVTransportURI(ctx, s.renderer, uri, metadata); err != nil {
		log.Error(ctx, "Failed to set transport URI", "title", track.Title, err)
		s.setStatus(Status{State: StateError, Track: track})
		return
	}
	if err := s.transport.Play(ctx, s.renderer); err != nil {
		log.Error(ctx, "Failed to start playback", "title", track.Title, err)
		s.setStatus(Status{State: StateError, Track: track})
		return
	}

	s.sawNonZero = false
	s.zeroReads = 0
	s.setStatus(Status{State: StatePlaying, Track: track, StartedAt: time.Now()})
	log.Info(ctx, "Now playing", "title", track.Title, "renderer", s.renderer.FriendlyName)
}

// handleAdvance reacts to the room skipping its current track. The
// renderer is stopped before the next event is consumed, then the
// authoritative snapshot decides what plays next.
func (s *Synchronizer) handleAdvance(ctx context.Context) {
	status := s.Status()
	if status.State.active() {
		if err := s.transport.Stop(ctx, s.renderer); err != nil {
			log.Debug(ctx, "Ignoring Stop failure on advance", err)
		}
		s.setStatus(Status{State: StateEnded, Track: status.Track})
	}
	playlist, err := s.remote.GetPlaylist(ctx)
	if err != nil {
		log.Warn(ctx, "Failed to fetch playlist after advance", err)
		return
	}
	s.reconcile(ctx, playlist.Current())
}

func (s *Synchronizer) togglePause(ctx context.Context) {
	status := s.Status()
	switch status.State {
	case StatePlaying:
		if err := s.transport.Pause(ctx, s.renderer); err != nil {
			log.Warn(ctx, "Pause failed", err)
			return
		}
		status.State = StatePaused
		s.setStatus(status)
		log.Info(ctx, "Paused", "title", trackTitle(status.Track))
	case StatePaused:
		if err := s.transport.Play(ctx, s.renderer); err != nil {
			log.Warn(ctx, "Resume failed", err)
			return
		}
		status.State = StatePlaying
		s.setStatus(status)
		log.Info(ctx, "Resumed", "title", trackTitle(status.Track))
	}
}

// pollPosition reads the renderer clock and declares end-of-track when the
// position comes within one second of a known, positive duration, or when
// the clock snaps back to zero for
// three consecutive reads after having moved (renderer stopped on its own).
func (s *Synchronizer) pollPosition(ctx context.Context) {
	info, err := s.transport.GetPositionInfo(ctx, s.renderer)
	if err != nil {
		log.Debug(ctx, "Position poll failed", err)
		return
	}

	rel, relOK := upnp.ParseClock(info.RelTime)
	duration, durOK := upnp.ParseClock(info.TrackDuration)

	s.mu.Lock()
	if relOK {
		s.status.LastPosition = rel
	}
	if durOK {
		s.status.LastDuration = duration
	}
	s.mu.Unlock()

	if !relOK {
		return
	}

	if durOK && duration > 0 && rel >= duration-time.Second {
		s.endOfTrack(ctx)
		return
	}

	if rel > 0 {
		s.sawNonZero = true
		s.zeroReads = 0
		return
	}
	if s.sawNonZero {
		s.zeroReads++
		if s.zeroReads >= 3 {
			s.endOfTrack(ctx)
		}
	}
}

// endOfTrack signals the room service and waits for the next snapshot; the
// remote stays authoritative over what plays next.
func (s *Synchronizer) endOfTrack(ctx context.Context) {
	status := s.Status()
	log.Info(ctx, "Track ended", "title", trackTitle(status.Track))
	s.sawNonZero = false
	s.zeroReads = 0
	s.setStatus(Status{State: StateEnded, Track: status.Track})
	if err := s.remote.Advance(ctx); err != nil {
		log.Warn(ctx, "Failed to advance room", err)
	}
}

func (s *Synchronizer) noteLost(ctx context.Context) {
	grace := conf.Server.TransportGrace
	if grace == 0 {
		grace = 60 * time.Second
	}
	if s.lostSince.IsZero() {
		s.lostSince = time.Now()
		return
	}
	if !s.lostWarned && time.Since(s.lostSince) > grace {
		s.lostWarned = true
		log.Warn(ctx, "Room service unreachable, continuing with cached snapshot",
			"since", s.lostSince.Format(time.Kitchen))
	}
}

func (s *Synchronizer) clearLost(ctx context.Context) {
	if s.lostWarned {
		log.Info(ctx, "Room service connection restored")
	}
	s.lostSince = time.Time{}
	s.lostWarned = false
}

// finalStop releases the renderer on shutdown, bounded by the shortened
// shutdown deadline.
func (s *Synchronizer) finalStop() {
	status := s.Status()
	if !status.State.active() {
		return
	}
	timeout := conf.Server.ShutdownSOAPTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.transport.Stop(ctx, s.renderer); err != nil {
		log.Debug(ctx, "Final Stop failed", err)
	}
	s.setStatus(Status{State: StateIdle})
}

func (s *Synchronizer) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if s.OnTransition != nil {
		s.OnTransition(status)
	}
}

func trackTitle(t *room.Track) string {
	if t == nil {
		return ""
	}
	return t.Title
}
