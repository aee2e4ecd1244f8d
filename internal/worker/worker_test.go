package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeFrame(buf *MockCloser, payload []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
}

func errorPayload(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return payload.Bytes()
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

func TestProcessFrame(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()

	// Pre-fill dataPipeMock with a fake response from "Python"
	payload := append([]byte{0}, []byte(`[
		{"box": [10, 20, 30, 40], "score": 0.9, "expressions": {"happy": 0.8, "neutral": 0.2}},
		{"box": [50, 60, 10, 10], "score": 0.7, "expressions": {"sad": 1.0}}
	]`)...)
	writeFrame(dataPipeMock, payload)

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	faces, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if binary.BigEndian.Uint32(sentData[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Length header mismatch: %X", sentData[:4])
	}

	// Verify Go read the correct data FROM Python
	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	if faces[0].Box != [4]float64{10, 20, 30, 40} {
		t.Errorf("Unexpected box %v", faces[0].Box)
	}
	if math.Abs(faces[0].Expressions["happy"]-0.8) > 1e-9 {
		t.Errorf("Expected happy approx 0.8, got %f", faces[0].Expressions["happy"])
	}
	if faces[1].Expressions["sad"] != 1.0 {
		t.Errorf("Expected sad 1.0, got %v", faces[1].Expressions)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeFrame(dataPipeMock, []byte{0})

	faces, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	errMsg := "Python Exception: Import Error"
	writeFrame(dataPipeMock, errorPayload(errMsg))

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_Malformed(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeFrame(dataPipeMock, append([]byte{0}, []byte("{not json")...))

	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected malformed JSON to fail")
	}
}

func TestProcessFrame_PipeClosed(t *testing.T) {
	w, _, _ := newMockWorker()
	// Nothing to read: the worker died before answering.
	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error on empty pipe")
	}
}

func TestWaitReady(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{"Models loaded", []byte{0}, false},
		{"Model asset missing", errorPayload("face_expression_model not found"), true},
		{"Unknown status", []byte{7}, true},
		{"Truncated error", []byte{1, 0, 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, dataPipeMock := newMockWorker()
			writeFrame(dataPipeMock, tt.payload)
			if err := w.WaitReady(); (err != nil) != tt.wantErr {
				t.Errorf("WaitReady() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewPythonWorker_MissingScript(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		script string
	}{
		{"Missing file", filepath.Join(dir, "worker.py")},
		{"Directory", dir},
		{"Empty path", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewPythonWorker(1, Config{Script: tt.script, ModelDir: dir})
			if err == nil {
				w.Close()
				t.Fatal("Expected an error for an unusable script")
			}
			if !errors.Is(err, ErrScriptMissing) {
				t.Errorf("Expected ErrScriptMissing, got %v", err)
			}
			if !strings.Contains(err.Error(), "detector.script") {
				t.Errorf("Error should name the config key, got %q", err)
			}
		})
	}
}
