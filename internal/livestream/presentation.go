package livestream

// Presentation is the UI branch a client renders for a stream.
type Presentation string

const (
	PresentationVideoPlayer        Presentation = "video_player"
	PresentationOfflinePlaceholder Presentation = "offline_placeholder"
	PresentationDisplayBoard       Presentation = "display_board"
)

// Select picks the presentation for a stream state. Display mode shows the
// product board whether or not the stream is live; video mode shows the
// player only while live and a placeholder otherwise. Any mode other than
// display is treated as video.
func Select(isLive bool, mode Mode) Presentation {
	if mode == ModeDisplay {
		return PresentationDisplayBoard
	}
	if isLive {
		return PresentationVideoPlayer
	}
	return PresentationOfflinePlaceholder
}
