package playback

import (
	"sync"
	"time"
)

// Player is the local media element driven by the controller.
type Player interface {
	CurrentTime() float64
	SetCurrentTime(t float64)
	Play() error
	Pause()
	Paused() bool
	Duration() float64
	Load(src string) error
}

// StreamResolver maps a room video URL to a playable source.
type StreamResolver func(videoURL string) (string, error)

// VirtualPlayer is a clock-driven Player without any media attached.
type VirtualPlayer struct {
	now func() time.Time

	mx       *sync.Mutex
	src      string
	position float64
	anchor   time.Time
	playing  bool
	duration float64
	seeks    int
}

// NewVirtualPlayer creates a paused player. A nil clock means time.Now,
// zero duration means unbounded media.
func NewVirtualPlayer(now func() time.Time, duration float64) *VirtualPlayer {
	if now == nil {
		now = time.Now
	}
	return &VirtualPlayer{
		now:      now,
		mx:       &sync.Mutex{},
		duration: duration,
	}
}

func (vp *VirtualPlayer) CurrentTime() float64 {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.positionLocked()
}

func (vp *VirtualPlayer) SetCurrentTime(t float64) {
	vp.mx.Lock()
	defer vp.mx.Unlock()

	vp.position = vp.clamp(t)
	vp.anchor = vp.now()
	vp.seeks++
}

func (vp *VirtualPlayer) Play() error {
	vp.mx.Lock()
	defer vp.mx.Unlock()

	if vp.playing {
		return nil
	}
	vp.anchor = vp.now()
	vp.playing = true
	return nil
}

func (vp *VirtualPlayer) Pause() {
	vp.mx.Lock()
	defer vp.mx.Unlock()

	if !vp.playing {
		return
	}
	vp.position = vp.positionLocked()
	vp.playing = false
}

func (vp *VirtualPlayer) Paused() bool {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return !vp.playing
}

func (vp *VirtualPlayer) Duration() float64 {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.duration
}

// Load replaces the source and rewinds to the start, paused.
func (vp *VirtualPlayer) Load(src string) error {
	vp.mx.Lock()
	defer vp.mx.Unlock()

	vp.src = src
	vp.position = 0
	vp.playing = false
	vp.anchor = vp.now()
	return nil
}

func (vp *VirtualPlayer) Source() string {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.src
}

// Seeks counts explicit position changes.
func (vp *VirtualPlayer) Seeks() int {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.seeks
}

func (vp *VirtualPlayer) positionLocked() float64 {
	if !vp.playing {
		return vp.position
	}
	return vp.clamp(vp.position + vp.now().Sub(vp.anchor).Seconds())
}

func (vp *VirtualPlayer) clamp(t float64) float64 {
	if t < 0 {
		return 0
	}
	if vp.duration > 0 && t > vp.duration {
		return vp.duration
	}
	return t
}
