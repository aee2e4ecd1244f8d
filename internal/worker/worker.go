package worker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/emoscope/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes
const (
	statusOK    byte = 0
	statusError byte = 1
)

// Config describes how to launch a worker process.
type Config struct {
	Python      string
	Script      string
	ModelDir    string
	ReadTimeout time.Duration
}

// ErrScriptMissing means the configured worker script does not exist.
var ErrScriptMissing = errors.New("worker script not found")

// RemoteError is an error the worker reported itself; the worker is still usable.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// MalformedError means the worker answered with a body that could not be decoded.
type MalformedError struct {
	ID  int
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("worker %d sent malformed JSON: %v", e.ID, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// FaceResult matches the JSON structure coming back from the Python worker
type FaceResult struct {
	Box         [4]float64         `json:"box"` // [x, y, width, height] in frame pixels
	Score       float64            `json:"score"`
	Expressions map[string]float64 `json:"expressions"`
}

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// NewPythonWorker starts the worker and waits until it reports its models as loaded.
func NewPythonWorker(id int, cfg Config) (*PythonWorker, error) {
	if info, err := os.Stat(cfg.Script); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %q (set detector.script, or serve the models with detector.kind socket or http)",
			ErrScriptMissing, cfg.Script)
	}
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(python, "-u", cfg.Script, "--models", cfg.ModelDir)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}
	if err := pw.WaitReady(); err != nil {
		pw.Close()
		// The process has exited, so its stderr is complete.
		if logs := strings.TrimSpace(py.Logs()); logs != "" {
			return nil, fmt.Errorf("worker %d failed to load models: %w\n%s", id, err, logs)
		}
		return nil, fmt.Errorf("worker %d failed to load models: %w", id, err)
	}
	return pw, nil
}

// WaitReady reads the single status frame a worker sends once its models are loaded.
func (w *PythonWorker) WaitReady() error {
	body, err := w.readFrame()
	if err != nil {
		return err
	}
	_, err = decodeStatus(body)
	return err
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readFrame()
}

// readFrame reads one [Length][Body] frame from the data pipe, honoring ReadTimeout when the
// pipe supports deadlines.
func (w *PythonWorker) readFrame() ([]byte, error) {
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends one JPEG frame and decodes the faces found in it.
// Protocol: [Status:0] [JSON faces] or [Status:1] [MsgLen] [Msg]
func (w *PythonWorker) ProcessFrame(data []byte) ([]FaceResult, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, err
	}
	body, err := decodeStatus(resp)
	if err != nil {
		return nil, err
	}

	var faces []FaceResult
	if len(body) == 0 {
		return faces, nil
	}
	if err := json.Unmarshal(body, &faces); err != nil {
		return nil, &MalformedError{ID: w.ID, Err: err}
	}
	return faces, nil
}

// decodeStatus strips the status byte, turning an error status into a Go error.
func decodeStatus(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from python worker")
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		if len(resp) < 5 {
			return nil, &RemoteError{Msg: "<truncated>"}
		}
		msgLen := binary.BigEndian.Uint32(resp[1:5])
		if int(msgLen) > len(resp)-5 {
			return nil, &RemoteError{Msg: "<truncated>"}
		}
		return nil, &RemoteError{Msg: string(resp[5 : 5+msgLen])}
	default:
		return nil, fmt.Errorf("unknown worker status %d", resp[0])
	}
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
