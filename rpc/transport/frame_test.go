package transport

import (
	"bytes"
	"errors"
	"testing"
)

// TestFrameRoundTrip tests that frames survive a write/read cycle
func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		requestID uint64
		status    byte
		payload   []byte
	}{
		{"simple payload", 1, StatusOK, []byte("hello")},
		{"empty payload", 42, StatusOK, nil},
		{"fault status", 7, StatusFault, []byte("something broke")},
		{"large request id", ^uint64(0), StatusOK, []byte{0, 1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.requestID, tt.status, tt.payload, 0); err != nil {
				t.Fatalf("Failed to write frame: %v", err)
			}

			requestID, status, payload, err := ReadFrame(&buf, nil, 0)
			if err != nil {
				t.Fatalf("Failed to read frame: %v", err)
			}
			if requestID != tt.requestID {
				t.Errorf("Expected request ID %d, got %d", tt.requestID, requestID)
			}
			if status != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, status)
			}
			if !bytes.Equal(payload, tt.payload) && len(payload) != 0 {
				t.Errorf("Expected payload %q, got %q", tt.payload, payload)
			}
		})
	}
}

// TestFrameSizeLimit tests that oversized frames are rejected on both ends
func TestFrameSizeLimit(t *testing.T) {
	payload := make([]byte, 100)

	t.Run("write side", func(t *testing.T) {
		var buf bytes.Buffer
		err := WriteFrame(&buf, 1, StatusOK, payload, 50)
		var tooLarge *ErrFrameTooLarge
		if !errors.As(err, &tooLarge) {
			t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
		}
		if tooLarge.Size != 100 || tooLarge.Max != 50 {
			t.Errorf("Expected size 100 / max 50, got %d / %d", tooLarge.Size, tooLarge.Max)
		}
	})

	t.Run("read side", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, 1, StatusOK, payload, 0); err != nil {
			t.Fatalf("Failed to write frame: %v", err)
		}
		_, _, _, err := ReadFrame(&buf, nil, 50)
		var tooLarge *ErrFrameTooLarge
		if !errors.As(err, &tooLarge) {
			t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
		}
	})
}

// TestFrameShortHeader tests that truncated input yields an error
func TestFrameShortHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2, 3})
	if _, _, _, err := ReadFrame(buf, nil, 0); err == nil {
		t.Error("Expected error for truncated header, got nil")
	}
}

// TestFrameBufferReuse tests that a caller-provided buffer is reused for
// payloads that fit
func TestFrameBufferReuse(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 1, StatusOK, []byte("abc"), 0); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	scratch := make([]byte, 64)
	_, _, payload, err := ReadFrame(&buf, scratch, 0)
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if &payload[0] != &scratch[0] {
		t.Error("Expected payload to alias the provided buffer")
	}
}
