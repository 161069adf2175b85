package layers

import (
	"sync"

	"transit-viewer/internal/transit"
)

// LoadingContent is shown until the stop details arrive.
const LoadingContent = "Loading..."

// PopupOptions are the size limits of a stop popup in pixels.
type PopupOptions struct {
	MinWidth  int `json:"minWidth"`
	MinHeight int `json:"minHeight"`
	MaxHeight int `json:"maxHeight"`
}

var StopPopupOptions = PopupOptions{MinWidth: 300, MinHeight: 100, MaxHeight: 300}

// Popup is an open stop popup. Content set after Close is dropped.
type Popup struct {
	StopID   string
	Position transit.LatLng
	Options  PopupOptions

	mu       sync.Mutex
	content  string
	loading  bool
	closed   bool
	onUpdate func(p *Popup, html string)
}

func newPopup(stop transit.StopView, onUpdate func(*Popup, string)) *Popup {
	return &Popup{
		StopID:   stop.ID,
		Position: stop.Position,
		Options:  StopPopupOptions,
		content:  LoadingContent,
		loading:  true,
		onUpdate: onUpdate,
	}
}

// SetContent replaces the popup body.
func (p *Popup) SetContent(html string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.content = html
	p.loading = false
	fn := p.onUpdate
	p.mu.Unlock()

	if fn != nil {
		fn(p, html)
	}
}

func (p *Popup) Content() (html string, loading bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, p.loading
}

func (p *Popup) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Popup) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
