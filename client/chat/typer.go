package chat

import (
	"sync"
	"time"

	"github.com/adwski/watchparty/model"
)

const defaultTypingIdle = time.Second

// Typer turns keystrokes into typing indicators. The indicator is cleared
// after a period without input even if the user never stops explicitly.
type Typer struct {
	sender Sender
	idle   time.Duration

	mx     *sync.Mutex
	typing bool
	seq    uint64
	timer  *time.Timer
}

func NewTyper(sender Sender, idle time.Duration) *Typer {
	if idle <= 0 {
		idle = defaultTypingIdle
	}
	return &Typer{
		sender: sender,
		idle:   idle,
		mx:     &sync.Mutex{},
	}
}

// Keystroke marks input activity.
func (t *Typer) Keystroke() {
	t.mx.Lock()
	defer t.mx.Unlock()

	if !t.typing {
		t.typing = true
		t.sender.Send(model.TypeTyping, model.TypingPayload{IsTyping: true})
	}
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.expire(seq) })
}

// Stop clears the indicator immediately.
func (t *Typer) Stop() {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.typing {
		t.typing = false
		t.sender.Send(model.TypeTyping, model.TypingPayload{IsTyping: false})
	}
}

func (t *Typer) Typing() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.typing
}

func (t *Typer) expire(seq uint64) {
	t.mx.Lock()
	defer t.mx.Unlock()

	// a newer keystroke or Stop already took over
	if seq != t.seq || !t.typing {
		return
	}
	t.typing = false
	t.timer = nil
	t.sender.Send(model.TypeTyping, model.TypingPayload{IsTyping: false})
}
