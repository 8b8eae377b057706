package playback

import (
	"errors"
	"math"
	"sync"

	"github.com/adwski/watchparty/client/bus"
	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
)

const (
	DefaultTolerance = 1.0 // seconds
)

var (
	ErrNotHost       = errors.New("only the host can control playback")
	ErrNoVideo       = errors.New("no video is loaded")
	ErrEmptyURL      = errors.New("video url is empty")
	ErrUnknownAction = errors.New("unknown playback action")
	ErrResolve       = errors.New("unable to resolve stream")
	ErrDecode        = errors.New("unable to decode video sync")
)

type Status int

const (
	Idle Status = iota
	Synced
	// Correcting lasts while a remote control is being applied. Entering it
	// emits a playback event whose Sync field is "correcting".
	Correcting
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Synced:
		return "synced"
	case Correcting:
		return "correcting"
	}
	return "unknown"
}

type (
	Sender interface {
		Send(eventType string, payload any)
	}

	Emitter interface {
		Emit(ev bus.Event) int
	}

	Config struct {
		Logger   *zerolog.Logger
		Player   Player
		Resolver StreamResolver
		Sender   Sender
		Emitter  Emitter
		SelfID   string
		// IsHost reports whether the local user currently holds host authority.
		IsHost    func() bool
		Tolerance float64
	}

	// Controller keeps the local player aligned with the host's timeline.
	Controller struct {
		logger    zerolog.Logger
		player    Player
		resolve   StreamResolver
		sender    Sender
		emitter   Emitter
		selfID    string
		isHost    func() bool
		tolerance float64

		mx       *sync.Mutex
		status   Status
		videoURL string
		source   string
		pending  *model.VideoSync
	}
)

func NewController(cfg Config) *Controller {
	c := &Controller{
		logger:    cfg.Logger.With().Str("component", "playback").Logger(),
		player:    cfg.Player,
		resolve:   cfg.Resolver,
		sender:    cfg.Sender,
		emitter:   cfg.Emitter,
		selfID:    cfg.SelfID,
		isHost:    cfg.IsHost,
		tolerance: cfg.Tolerance,
		mx:        &sync.Mutex{},
	}
	if c.resolve == nil {
		c.resolve = func(videoURL string) (string, error) { return videoURL, nil }
	}
	if c.isHost == nil {
		c.isHost = func() bool { return false }
	}
	if c.tolerance <= 0 {
		c.tolerance = DefaultTolerance
	}
	return c
}

// Play starts local playback and broadcasts the position.
func (c *Controller) Play() error {
	return c.control(model.ActionPlay, func() error {
		return c.player.Play()
	})
}

func (c *Controller) Pause() error {
	return c.control(model.ActionPause, func() error {
		c.player.Pause()
		return nil
	})
}

func (c *Controller) Seek(t float64) error {
	return c.control(model.ActionSeek, func() error {
		c.player.SetCurrentTime(t)
		return nil
	})
}

// Load switches the room to a new video.
func (c *Controller) Load(videoURL string) error {
	if !c.isHost() {
		return ErrNotHost
	}
	if videoURL == "" {
		return ErrEmptyURL
	}

	c.mx.Lock()
	err := c.loadLocked(videoURL)
	state := c.stateLocked()
	c.mx.Unlock()
	if err != nil {
		return err
	}

	c.sender.Send(model.TypeVideoSync, model.VideoSync{Action: model.ActionLoad, VideoURL: videoURL})
	c.emit(state)
	return nil
}

func (c *Controller) control(action string, apply func() error) error {
	if !c.isHost() {
		return ErrNotHost
	}

	c.mx.Lock()
	if c.status == Idle {
		c.mx.Unlock()
		return ErrNoVideo
	}
	if err := apply(); err != nil {
		c.mx.Unlock()
		return err
	}
	pos := c.player.CurrentTime()
	state := c.stateLocked()
	c.mx.Unlock()

	c.sender.Send(model.TypeVideoSync, model.VideoSync{Action: action, Timestamp: pos})
	c.emit(state)
	return nil
}

// Apply applies a remote control event. It never sends anything, so
// corrections cannot echo back into the room.
func (c *Controller) Apply(f model.Frame) error {
	if f.UserID != "" && f.UserID == c.selfID {
		return nil
	}
	if c.isHost() {
		c.logger.Debug().Str("from", f.UserID).Msg("host ignores remote control")
		return nil
	}

	var vs model.VideoSync
	if err := f.Decode(&vs); err != nil {
		return errors.Join(ErrDecode, err)
	}

	c.mx.Lock()
	if c.status != Idle && isControl(vs.Action) {
		c.status = Correcting
		entering := c.stateLocked()
		c.mx.Unlock()
		c.emit(entering)
		c.mx.Lock()
	}
	err := c.applyLocked(vs)
	if c.status == Correcting {
		c.status = Synced
	}
	state := c.stateLocked()
	c.mx.Unlock()
	if err != nil {
		return err
	}

	c.emit(state)
	return nil
}

func isControl(action string) bool {
	return action == model.ActionPlay || action == model.ActionPause || action == model.ActionSeek
}

// Handle adapts Apply to bus subscriptions.
func (c *Controller) Handle(ev bus.Event) {
	if ev.Frame == nil {
		return
	}
	if err := c.Apply(*ev.Frame); err != nil {
		c.logger.Warn().Err(err).Msg("video sync not applied")
	}
}

func (c *Controller) Status() Status {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.status
}

func (c *Controller) State() model.PlaybackState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.stateLocked()
}

func (c *Controller) applyLocked(vs model.VideoSync) error {
	switch vs.Action {
	case model.ActionLoad:
		if vs.VideoURL == "" {
			return ErrEmptyURL
		}
		if err := c.loadLocked(vs.VideoURL); err != nil {
			return err
		}
		if c.pending != nil {
			pending := *c.pending
			c.pending = nil
			c.correctLocked(pending)
		}
		return nil
	case model.ActionPlay, model.ActionPause, model.ActionSeek:
		if c.status == Idle {
			c.logger.Debug().Str("action", vs.Action).Msg("control deferred until load")
			c.pending = &vs
			return nil
		}
		c.correctLocked(vs)
		return nil
	}
	return ErrUnknownAction
}

func (c *Controller) correctLocked(vs model.VideoSync) {
	c.status = Correcting

	target := vs.Timestamp
	if vs.CurrentTime != nil {
		target = *vs.CurrentTime
	}
	drift := math.Abs(c.player.CurrentTime() - target)

	switch vs.Action {
	case model.ActionPlay:
		if drift > c.tolerance {
			c.player.SetCurrentTime(target)
		}
		if c.player.Paused() {
			if err := c.player.Play(); err != nil {
				c.logger.Warn().Err(err).Msg("local playback refused")
			}
		}
	case model.ActionPause:
		c.player.Pause()
		if drift > c.tolerance {
			c.player.SetCurrentTime(target)
		}
	case model.ActionSeek:
		c.player.SetCurrentTime(target)
	}
	c.logger.Debug().
		Str("action", vs.Action).
		Float64("target", target).
		Float64("drift", drift).
		Msg("remote control applied")

	c.status = Synced
}

func (c *Controller) loadLocked(videoURL string) error {
	src, err := c.resolve(videoURL)
	if err != nil {
		return errors.Join(ErrResolve, err)
	}
	if err = c.player.Load(src); err != nil {
		return err
	}
	c.videoURL = videoURL
	c.source = src
	c.status = Synced
	return nil
}

func (c *Controller) stateLocked() model.PlaybackState {
	return model.PlaybackState{
		VideoURL:      c.videoURL,
		Source:        c.source,
		CurrentTime:   c.player.CurrentTime(),
		Playing:       !c.player.Paused(),
		Duration:      c.player.Duration(),
		Authoritative: c.isHost(),
		Sync:          c.status.String(),
	}
}

func (c *Controller) emit(state model.PlaybackState) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(bus.Event{Name: model.EventPlayback, Payload: state})
}
