package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python / FFmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the child wrote to stderr. Only call it after the process exited.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps child logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 EMOSCOPE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCaptureCmd creates a live decoder pipe for a capture device or a file.
// It configures FFmpeg to output MJPEG frames to Stdout for ingestion.
// An empty inputFormat means the input is a file, which is then read at its native rate
// so it behaves like a live feed.
func NewFFmpegCaptureCmd(device, inputFormat, videoSize string) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if inputFormat == "" {
		args = append(args, "-re")
	} else {
		args = append(args, "-f", inputFormat)
	}
	if videoSize != "" {
		args = append(args, "-video_size", videoSize)
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-i", device, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return NewSafeCommand("ffmpeg", args...)
}

// GenerateSessionID creates a deterministic hash for a capture session
// based on its source and start time.
func GenerateSessionID(source string, startedAt time.Time) string {
	input := fmt.Sprintf("%s-%d", source, startedAt.UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// FmtTime renders a duration in seconds as HH:MM:SS.
func FmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
