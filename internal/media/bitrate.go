package media

import "time"

// Bitrate solver bounds, in kbps.
const (
	// MinVideoKbps is the floor the solved video bitrate never goes under.
	MinVideoKbps = 100
)

// SolveVideoBitrate computes the target video bitrate in kbps so that the
// output lands under maxFileSize for the given duration, after reserving
// audioKbps for the audio track. The result is capped at maxVideoKbps and
// floored at MinVideoKbps.
func SolveVideoBitrate(maxFileSize int64, duration time.Duration, audioKbps, maxVideoKbps int) int {
	seconds := duration.Seconds()
	if seconds <= 0 {
		return MinVideoKbps
	}

	// Total budget in kbps for all tracks combined.
	totalKbps := int(float64(maxFileSize*8) / seconds / 1000)

	video := totalKbps - audioKbps
	if maxVideoKbps > 0 && video > maxVideoKbps {
		video = maxVideoKbps
	}
	if video < MinVideoKbps {
		video = MinVideoKbps
	}
	return video
}
