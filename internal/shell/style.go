package shell

import "sync"

// Hosts keep a stable marker for the lifetime of the process, so the
// same device looks the same across successive commands.
var markers = []string{"*", "+", "o", "x", "#", "@", "%", "&"}

var styleMu sync.Mutex
var styles = make(map[string]string)

// styleFor assigns a marker to a host, first come first served, cycling
// when the palette runs out.
func styleFor(host string) string {
	styleMu.Lock()
	defer styleMu.Unlock()

	if marker, ok := styles[host]; ok {
		return marker
	}
	marker := markers[len(styles)%len(markers)]
	styles[host] = marker
	return marker
}

// ResetStyles forgets all host assignments.
func ResetStyles() {
	styleMu.Lock()
	defer styleMu.Unlock()
	styles = make(map[string]string)
}
