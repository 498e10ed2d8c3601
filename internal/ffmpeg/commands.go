// Package ffmpeg runs the external media tools: ffmpeg renders and
// publishes, ffprobe measures and pdftoppm rasterizes presentations.
package ffmpeg

import (
	"strconv"
)

// outputFrameRate is the frame rate of every rendition.
const outputFrameRate = 60

// CommandBuilder produces argument vectors for the media tools. It holds
// no state beyond the publish target.
type CommandBuilder struct {
	PublishURL string
}

// ImageArgs renders a still image into a video of the given length.
func (b CommandBuilder) ImageArgs(src, out string, seconds float64, width, height int) []string {
	return []string{
		"-y",
		"-loop", "1",
		"-i", src,
		"-c:v", "libx264",
		"-t", formatSeconds(seconds),
		"-pix_fmt", "yuv420p",
		"-vf", scaleFilter(width, height) + ",fps=" + strconv.Itoa(outputFrameRate),
		"-movflags", "+faststart",
		out,
	}
}

// PageArgs rasterizes every page of a PDF into prefix-N.png files.
func (b CommandBuilder) PageArgs(src, prefix string, width, height int) []string {
	return []string{
		"-png",
		"-scale-to-x", strconv.Itoa(width),
		"-scale-to-y", strconv.Itoa(height),
		src,
		prefix,
	}
}

// SlideshowArgs renders numbered frames matching pattern into a video in
// which each of the pages is shown for an equal share of seconds.
func (b CommandBuilder) SlideshowArgs(pattern, out string, seconds float64, pages, width, height int) []string {
	return []string{
		"-y",
		"-framerate", strconv.Itoa(pages) + "/" + formatSeconds(seconds),
		"-i", pattern,
		"-c:v", "libx264",
		"-r", strconv.Itoa(outputFrameRate),
		"-pix_fmt", "yuv420p",
		"-vf", scaleFilter(width, height),
		"-t", formatSeconds(seconds),
		"-movflags", "+faststart",
		out,
	}
}

// PublishArgs streams path in real time to the configured URL.
func (b CommandBuilder) PublishArgs(path string) []string {
	return []string{
		"-re",
		"-i", path,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", "30",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "flv",
		b.PublishURL,
	}
}

// ProbeArgs asks ffprobe for the container duration as a bare number.
func (b CommandBuilder) ProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

func scaleFilter(width, height int) string {
	return "scale=" + strconv.Itoa(width) + ":" + strconv.Itoa(height)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
