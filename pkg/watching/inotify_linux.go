package watching

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawEvent is a decoded, but not yet dispatched, kernel inotify event.
type rawEvent struct {
	wd       int32
	mask     uint32
	cookie   uint32
	name     string
	overflow bool
}

// inotifyReadBufferSize matches fsnotify's buffer sizing: room for up to
// 4096 raw events per read (backend_inotify.go's readEvents).
const inotifyReadBufferSize = unix.SizeofInotifyEvent * 4096

// readLoop reads and decodes raw inotify events, forwarding them to out. It
// runs on its own goroutine so that the cooperative dispatch loop in run
// never calls a blocking syscall directly (spec.md §5). Decoding follows
// fsnotify-fsnotify/backend_inotify.go's readEvents buffer walk.
func (w *Watcher) readLoop(out chan<- rawEvent) {
	defer close(out)

	var buf [inotifyReadBufferSize]byte
	for {
		n, err := w.inotifyFile.Read(buf[:])
		if err != nil {
			select {
			case <-w.done:
			default:
				w.reportError(fmt.Errorf("inotify read failed: %w", err))
			}
			return
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		var offset uint32
		for offset <= uint32(n)-unix.SizeofInotifyEvent {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			mask := uint32(raw.Mask)
			nameLen := uint32(raw.Len)

			var name string
			if nameLen > 0 {
				nameBytes := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
				name = strings.TrimRight(string(nameBytes), "\x00")
			}

			var event rawEvent
			if mask&unix.IN_Q_OVERFLOW != 0 {
				event = rawEvent{overflow: true}
			} else {
				event = rawEvent{wd: raw.Wd, mask: mask, cookie: raw.Cookie, name: name}
			}

			select {
			case out <- event:
			case <-w.done:
				return
			}

			offset += unix.SizeofInotifyEvent + nameLen
		}
	}
}

// reportError attempts a non-blocking send on the errors channel, matching
// the teacher's "errors channel has capacity one, excess errors are
// dropped" pattern (mutagen's nonRecursiveWatcher).
func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}
