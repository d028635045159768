package doubao

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/internal/volc"
)

func newTestSynthesizer(t *testing.T, handle func(conn *websocket.Conn, req synthesisRequest)) *Synthesizer {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer;token" {
			t.Errorf("expected bearer authorization, got %q", r.Header.Get("Authorization"))
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := volc.Unmarshal(data)
		if err != nil {
			t.Errorf("bad request frame: %v", err)
			return
		}
		var req synthesisRequest
		if err := sonic.Unmarshal(frame.Payload, &req); err != nil {
			t.Errorf("bad request payload: %v", err)
			return
		}
		handle(conn, req)
	}))
	t.Cleanup(server.Close)
	return NewSynthesizer("app", "token", WithURL("ws"+strings.TrimPrefix(server.URL, "http")))
}

func writeFrame(conn *websocket.Conn, frame volc.Frame) {
	data, _ := frame.Marshal()
	conn.WriteMessage(websocket.BinaryMessage, data)
}

func TestSynthesizeCollectsAudioUntilLastFrame(t *testing.T) {
	var gotText string
	synthesizer := newTestSynthesizer(t, func(conn *websocket.Conn, req synthesisRequest) {
		gotText = req.Request.Text
		writeFrame(conn, volc.Frame{Type: volc.MessageAudioOnlyServer, Flags: volc.FlagPosSequence, Sequence: 1, Payload: []byte{1, 2}})
		writeFrame(conn, volc.Frame{Type: volc.MessageAudioOnlyServer, Flags: volc.FlagLastWithSequence, Sequence: -2, Payload: []byte{3, 4}})
	})

	result, err := synthesizer.Synthesize(context.Background(), "你好。")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(result.Audio) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("expected concatenated audio, got %v", result.Audio)
	}
	if result.EncodingInfo.SampleRate != 24000 {
		t.Fatalf("expected 24 kHz audio, got %d", result.EncodingInfo.SampleRate)
	}
	if gotText != "你好。" {
		t.Fatalf("expected request text 你好。, got %q", gotText)
	}
}

func TestSynthesizeReturnsServerError(t *testing.T) {
	synthesizer := newTestSynthesizer(t, func(conn *websocket.Conn, _ synthesisRequest) {
		writeFrame(conn, volc.Frame{Type: volc.MessageError, ErrorCode: 3050, Payload: []byte("quota exceeded")})
	})

	if _, err := synthesizer.Synthesize(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "3050") {
		t.Fatalf("expected synthesizer error 3050, got %v", err)
	}
}

func TestSynthesizeHonoursDeadline(t *testing.T) {
	synthesizer := newTestSynthesizer(t, func(conn *websocket.Conn, _ synthesisRequest) {
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := synthesizer.Synthesize(ctx, "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("expected synthesis to stop at the deadline, took %v", time.Since(start))
	}
}
