package speech

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/harijap/internal/bus"
	"github.com/loqalabs/harijap/internal/config"
	"github.com/loqalabs/harijap/internal/natsserver"
	"github.com/loqalabs/harijap/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) (*bus.Client, *bus.Client) {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
	svcClient, err := bus.Connect(context.Background(), cfg, "speech-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(svcClient.Close)
	peer, err := bus.Connect(context.Background(), cfg, "speech-peer", log)
	if err != nil {
		t.Fatalf("connect peer: %v", err)
	}
	t.Cleanup(peer.Close)
	return svcClient, peer
}

func startService(t *testing.T, client *bus.Client, startListening bool) *Service {
	t.Helper()
	cfg := config.SpeechConfig{
		Enabled:        true,
		Mode:           "mock",
		SampleRate:     16000,
		Channels:       1,
		StartListening: startListening,
		MockPhrase:     "jai jai ram krishna hari",
	}
	rec, err := NewRecognizer(cfg, nil)
	if err != nil {
		t.Fatalf("recognizer: %v", err)
	}
	svc := NewService(context.Background(), cfg, client, rec, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return svc
}

func subscribeFinal(t *testing.T, peer *bus.Client) chan protocol.Transcript {
	t.Helper()
	out := make(chan protocol.Transcript, 4)
	sub, err := peer.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err == nil {
			out <- tr
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := peer.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return out
}

func sendFrame(t *testing.T, peer *bus.Client, session string) {
	t.Helper()
	frame := protocol.AudioFrame{SessionID: session, SampleRate: 16000, Channels: 1, PCM: []byte{1, 0, 2, 0}, Final: true}
	if err := peer.PublishJSON(protocol.SubjectAudioFramePrefix+"."+session, frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func setListening(t *testing.T, peer *bus.Client, session string, on bool) {
	t.Helper()
	var echo protocol.ListenControl
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := peer.RequestJSON(ctx, protocol.SubjectListenControl, protocol.ListenControl{SessionID: session, Listening: on}, &echo); err != nil {
		t.Fatalf("listen control: %v", err)
	}
}

func TestFinalFramePublishesTranscript(t *testing.T) {
	client, peer := connect(t)
	startService(t, client, true)
	finals := subscribeFinal(t, peer)

	sendFrame(t, peer, "devotee-1")

	select {
	case tr := <-finals:
		if tr.SessionID != "devotee-1" || tr.Text != "jai jai ram krishna hari" || tr.Partial {
			t.Fatalf("unexpected transcript %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}

func TestClosedGateDropsFrames(t *testing.T) {
	client, peer := connect(t)
	svc := startService(t, client, false)
	finals := subscribeFinal(t, peer)

	sendFrame(t, peer, "devotee-1")
	select {
	case tr := <-finals:
		t.Fatalf("expected no transcript while not listening, got %+v", tr)
	case <-time.After(300 * time.Millisecond):
	}

	setListening(t, peer, "devotee-1", true)
	if !svc.Listening("devotee-1") || svc.Listening("devotee-2") {
		t.Fatal("expected only devotee-1 to be listening")
	}
	sendFrame(t, peer, "devotee-1")
	select {
	case <-finals:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript after opening gate")
	}
}

func TestGlobalControlClearsOverrides(t *testing.T) {
	client, _ := connect(t)
	svc := startService(t, client, true)

	svc.SetListening("devotee-1", false)
	if svc.Listening("devotee-1") {
		t.Fatal("override should close devotee-1")
	}
	svc.SetListening("", true)
	if !svc.Listening("devotee-1") {
		t.Fatal("global control should clear overrides")
	}
	svc.SetListening("", false)
	if svc.Listening("anyone") {
		t.Fatal("global off should close every session")
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	svc := NewService(context.Background(), config.SpeechConfig{}, nil, NewMockRecognizer("x"), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
	svc.Close()
}

func TestNewRecognizer(t *testing.T) {
	if _, err := NewRecognizer(config.SpeechConfig{Mode: "whisper"}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewRecognizer(config.SpeechConfig{Mode: "exec"}, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
	rec, err := NewRecognizer(config.SpeechConfig{Mode: "exec", Command: `stt-cli --beam 5`}, []string{"jai jai ram krishna hari", "जय जय राम कृष्ण हरि"})
	if err != nil {
		t.Fatalf("exec recognizer: %v", err)
	}
	exec := rec.(*execRecognizer)
	if len(exec.cmd) != 3 || exec.cmd[0] != "stt-cli" {
		t.Fatalf("unexpected parsed command %q", exec.cmd)
	}
	if exec.prompt != "jai jai ram krishna hari, जय जय राम कृष्ण हरि" {
		t.Fatalf("unexpected prompt %q", exec.prompt)
	}
}

func TestParseExecOutput(t *testing.T) {
	cases := []struct {
		name    string
		out     string
		want    TranscriptResult
		wantErr bool
	}{
		{"json", `{"text": " jai jai ram krishna hari ", "confidence": 0.82}`, TranscriptResult{Text: "jai jai ram krishna hari", Confidence: 0.82}, false},
		{"plain text", "जय जय राम कृष्ण हरि\n", TranscriptResult{Text: "जय जय राम कृष्ण हरि"}, false},
		{"empty", "  \n", TranscriptResult{}, false},
		{"broken json", `{"text": `, TranscriptResult{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseExecOutput([]byte(tc.out))
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestMockRecognizerIgnoresPartials(t *testing.T) {
	rec := NewMockRecognizer("hari")
	res, err := rec.Transcribe(context.Background(), []byte{1, 0}, 16000, 1, false)
	if err != nil || res.Text != "" {
		t.Fatalf("partial should be empty, got %+v %v", res, err)
	}
	res, _ = rec.Transcribe(context.Background(), nil, 16000, 1, true)
	if res.Text != "" {
		t.Fatalf("empty audio should be empty, got %+v", res)
	}
}

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := []byte{0x10, 0x00, 0xf0, 0xff, 0x00, 0x01}
	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int{16, -16, 256}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: want %d got %d", i, want[i], buf.Data[i])
		}
	}
	if dec.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", dec.SampleRate)
	}

	if err := writePCMToWav(file, []byte{1}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}
