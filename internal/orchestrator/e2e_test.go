package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callwire/internal/ledger"
	"github.com/MrWong99/callwire/internal/media"
)

// carrierFrame is the JSON shape of frames exchanged with the carrier.
type carrierFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Media     *carrierMedia `json:"media,omitempty"`
	Mark      *carrierMark  `json:"mark,omitempty"`
}

type carrierMedia struct {
	Payload string `json:"payload"`
}

type carrierMark struct {
	Name string `json:"name"`
}

func TestEndToEnd_CallOverWebSocket(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.llm.Reply = "Happy to help. What day works for you?"

	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := media.Accept(w, r)
		if err != nil {
			served <- err
			return
		}
		served <- h.o.Serve(r.Context(), conn)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	outbound := make(chan carrierFrame, 256)
	go func() {
		defer close(outbound)
		for {
			var f carrierFrame
			if err := wsjson.Read(ctx, ws, &f); err != nil {
				return
			}
			outbound <- f
		}
	}()
	write := func(v any) {
		t.Helper()
		if err := wsjson.Write(ctx, ws, v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// untilMark collects outbound audio up to and including the next mark.
	untilMark := func() ([][]byte, string) {
		t.Helper()
		var audio [][]byte
		for {
			select {
			case f, ok := <-outbound:
				if !ok {
					t.Fatal("connection closed early")
				}
				switch f.Event {
				case "media":
					b, err := base64.StdEncoding.DecodeString(f.Media.Payload)
					if err != nil {
						t.Fatalf("payload: %v", err)
					}
					audio = append(audio, b)
				case "mark":
					return audio, f.Mark.Name
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for mark")
			}
		}
	}
	mediaMsg := func(b []byte) map[string]any {
		return map[string]any{
			"event":     "media",
			"streamSid": "MZ1",
			"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString(b)},
		}
	}

	write(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	write(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"callSid":          "CA1",
			"streamSid":        "MZ1",
			"customParameters": map[string]string{media.AuthTokenParameter: h.tokens.Issue("+15552223333", "+15550001111")},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	})

	greeting, greetMark := untilMark()
	if got := frameBytes(greeting); got != len("Hi, this is Ava.") {
		t.Errorf("greeting audio = %d bytes", got)
	}
	for _, f := range greeting {
		if len(f) > media.FrameSize {
			t.Errorf("frame of %d bytes exceeds %d", len(f), media.FrameSize)
		}
	}
	write(map[string]any{"event": "mark", "streamSid": "MZ1", "mark": map[string]any{"name": greetMark}})

	rec := h.stt.Sessions()[0]
	silence := bytes.Repeat([]byte{0xff}, media.FrameSize)
	speech := bytes.Repeat([]byte{0x3c}, media.FrameSize)
	for range 3 {
		write(mediaMsg(silence))
	}
	for range 3 {
		write(mediaMsg(speech))
	}
	waitFor(t, "audio reaches the recogniser", func() bool { return len(rec.Audio()) == 6 })

	say(rec, "I need an appointment")
	reply, replyMark := untilMark()
	if got, want := frameBytes(reply), len(h.llm.Reply); got != want {
		t.Errorf("reply audio = %d bytes, want %d", got, want)
	}
	write(map[string]any{"event": "mark", "streamSid": "MZ1", "mark": map[string]any{"name": replyMark}})
	write(map[string]any{"event": "stop", "streamSid": "MZ1", "stop": map[string]any{"callSid": "CA1"}})

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Serve did not return after stop")
	}
	h.o.Wait()

	created, completed, notes := h.ledger.snapshot()
	if len(created) != 1 {
		t.Fatalf("records created = %d, want 1", len(created))
	}
	if len(completed) != 1 {
		t.Fatalf("records completed = %d, want exactly 1", len(completed))
	}
	c := completed[0]
	if c.Status != ledger.StatusCompleted || c.EndedReason != "stream-stopped" {
		t.Errorf("completion = %s/%s", c.Status, c.EndedReason)
	}
	for _, want := range []string{
		"Caller: I need an appointment",
		"Assistant: Happy to help. What day works for you?",
	} {
		if !strings.Contains(c.Transcript, want) {
			t.Errorf("transcript missing %q:\n%s", want, c.Transcript)
		}
	}
	if len(notes) != 1 || notes[0].Transcript != c.Transcript {
		t.Errorf("notifications = %+v", notes)
	}
}

func frameBytes(frames [][]byte) int {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	return n
}
