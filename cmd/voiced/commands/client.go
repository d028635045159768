package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/audio/miniaudio"
	"github.com/koscakluka/ema-voice/core/audio/playback"
	"github.com/koscakluka/ema-voice/core/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagURL     string
	flagNoAudio bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Talk to a voice server from the terminal",
	Long: `Connect to a voice server, play its speech and send your microphone.

Keys:
  enter   send the typed text
  ctrl+r  start or stop recording
  esc     interrupt the assistant
  ctrl+c  quit`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVar(&flagURL, "url", "ws://localhost:8000/ws", "websocket URL of the voice server")
	clientCmd.Flags().BoolVar(&flagNoAudio, "no-audio", false, "text only, without speaker and microphone")
}

// scheduler is the part of the playback scheduler the client drives.
type scheduler interface {
	Enqueue(playback.Buffer) bool
	Stop(turnID uint64)
}

// capture is the microphone.
type capture interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
}

// clientConn is one connection to the server as seen by the terminal UI.
type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	scheduler scheduler
	capture   capture
	recording atomic.Bool
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, flagURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", flagURL, err)
	}
	defer conn.Close()

	var program *tea.Program
	notify := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}

	client := &clientConn{conn: conn}
	if !flagNoAudio {
		device, err := miniaudio.NewClient()
		if err != nil {
			return fmt.Errorf("failed to open audio devices: %w", err)
		}
		defer device.Close()
		client.scheduler = playback.NewScheduler(device, device, playback.WithStallCallback(func(turnID uint64, sequenceNo uint32, late time.Duration) {
			notify(playbackStalled{turnID: turnID, late: late})
		}))
		client.capture = device
	}

	program = tea.NewProgram(newClientModel(ctx, client), tea.WithAltScreen(), tea.WithContext(ctx))

	// Log lines would tear the alternate screen; show them in the UI instead.
	level, _ := parseLevel(logLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(logWriter(notify), &slog.HandlerOptions{Level: level})))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.readLoop(ctx, func(msg protocol.Message) { program.Send(serverMessage(msg)) })
		program.Send(connectionClosed{err: err})
		return err
	})
	g.Go(func() error {
		defer cancel()
		defer conn.Close()
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// logWriter turns every write into a log line for the UI.
type logWriter func(tea.Msg)

func (w logWriter) Write(p []byte) (int, error) {
	w(logLine(strings.TrimRight(string(p), "\n")))
	return len(p), nil
}

func (c *clientConn) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *clientConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write to server: %w", err)
	}
	return nil
}

// readLoop plays audio frames and passes every text message to onMessage
// until the connection closes. A regular close is not an error.
func (c *clientConn) readLoop(ctx context.Context, onMessage func(protocol.Message)) error {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := c.handleFrame(data); err != nil {
				slog.Warn("dropping audio frame", "error", err)
			}
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				slog.Warn("dropping malformed message", "error", err)
				continue
			}
			if msg.Type == protocol.TypeStopPlayback && c.scheduler != nil {
				c.scheduler.Stop(msg.TurnID)
			}
			onMessage(msg)
		}
	}
}

func (c *clientConn) handleFrame(data []byte) error {
	if c.scheduler == nil {
		return nil
	}
	frame, err := protocol.ParseAudioFrame(data)
	if err != nil {
		return err
	}
	buffer, err := bufferFromFrame(frame)
	if err != nil {
		return err
	}
	c.scheduler.Enqueue(buffer)
	return nil
}

func bufferFromFrame(frame protocol.AudioFrame) (playback.Buffer, error) {
	buffer := playback.Buffer{
		TurnID:       frame.TurnID,
		SequenceNo:   frame.SequenceNo,
		Part:         frame.Part,
		LastPart:     frame.IsLastPart(),
		Continuation: frame.IsContinuation(),
		IsFinal:      frame.IsFinal(),
		SampleRate:   int(frame.SampleRate),
	}
	// Silent chunks still advance the sequence.
	if len(frame.Payload) == 0 {
		return buffer, nil
	}

	format, err := audio.FormatFromCode(frame.Encoding)
	if err != nil {
		return playback.Buffer{}, err
	}
	if buffer.Samples, err = audio.DecodeSamples(frame.Payload, format); err != nil {
		return playback.Buffer{}, fmt.Errorf("failed to decode sequence %d: %w", frame.SequenceNo, err)
	}
	return buffer, nil
}

// toggleRecording starts streaming the microphone or stops it and asks the
// server for the final transcript. It reports whether recording is on.
func (c *clientConn) toggleRecording(ctx context.Context) (bool, error) {
	if c.capture == nil {
		return false, fmt.Errorf("audio is disabled")
	}

	if c.recording.Load() {
		c.recording.Store(false)
		if err := c.capture.StopCapture(); err != nil {
			return false, err
		}
		return false, c.send(protocol.Message{Type: protocol.TypeStopRecording})
	}

	if err := c.send(protocol.Message{Type: protocol.TypeStartRecording}); err != nil {
		return false, err
	}
	err := c.capture.StartCapture(ctx, func(pcm []byte) {
		if err := c.write(websocket.BinaryMessage, pcm); err != nil {
			slog.Warn("failed to send audio", "error", err)
		}
	})
	if err != nil {
		return false, err
	}
	c.recording.Store(true)
	return true, nil
}
