package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/harijap/internal/config"
	"github.com/loqalabs/harijap/internal/natsserver"
	"github.com/loqalabs/harijap/internal/protocol"
	"github.com/nats-io/nats.go"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func startNATS(t *testing.T) string {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestLeaderboardPrintsCSVWhenPiped(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/leaderboard" || r.URL.Query().Get("limit") != "2" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]leaderboardRow{
			{Rank: 1, DevoteeID: "radha", TotalCount: 300, CompletedCycles: 2, CurrentCycleCount: 84},
			{Rank: 2, DevoteeID: "gopal", TotalCount: 8, CurrentCycleCount: 8},
		})
	}))
	defer api.Close()

	out, err := execute(t, "--api", api.URL, "leaderboard", "-n", "2")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	want := "Rank,Devotee,Chants,Malas,Current\n1,radha,300,2,84\n2,gopal,8,0,8\n"
	if out != want {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestLeaderboardTable(t *testing.T) {
	var buf bytes.Buffer
	rows := []leaderboardRow{{Rank: 1, DevoteeID: "radha", TotalCount: 300, CompletedCycles: 2, CurrentCycleCount: 84}}
	if err := printLeaderboard(&buf, rows, true); err != nil {
		t.Fatalf("print: %v", err)
	}
	for _, want := range []string{"Devotee", "radha", "300"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("table missing %q:\n%s", want, buf.String())
		}
	}
	if strings.Contains(buf.String(), "DEVOTEE") {
		t.Fatalf("headers should keep their case:\n%s", buf.String())
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"disk unavailable"}`))
	}))
	defer api.Close()

	_, err := execute(t, "--api", api.URL, "today", "-d", "radha")
	if err == nil || !strings.Contains(err.Error(), "disk unavailable") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestTodayWithoutDevoteeAsksDaemonDefault(t *testing.T) {
	t.Setenv("JAPA_DEVOTEE", "")
	paths := make(chan string, 1)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = w.Write([]byte(`{"devotee_id":"mandir","day":"2025-03-01","counted":4}`))
	}))
	defer api.Close()

	out, err := execute(t, "--api", api.URL, "today")
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if got := <-paths; got != "/api/today" {
		t.Fatalf("expected /api/today, got %s", got)
	}
	if !strings.HasPrefix(out, "mandir on 2025-03-01: 4 chants") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTapSendsIncrement(t *testing.T) {
	url := startNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	devotees := make(chan string, 1)
	_, err = nc.Subscribe(protocol.SubjectCounterIncrement, func(msg *nats.Msg) {
		var got protocol.CounterCommand
		_ = json.Unmarshal(msg.Data, &got)
		devotees <- got.SessionID
		reply, _ := json.Marshal(protocol.CounterReply{
			SessionID: got.SessionID,
			State:     protocol.CounterState{TotalCount: 109, CurrentCycleCount: 1, CompletedCycles: 1, CycleSize: 108},
		})
		_ = msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	out, err := execute(t, "--server", url, "-d", "radha", "tap")
	if err != nil {
		t.Fatalf("tap: %v", err)
	}
	if id := <-devotees; id != "radha" {
		t.Fatalf("expected devotee radha, got %q", id)
	}
	if want := "radha: 109 total, 1/108 in current mala, 1 malas complete\n"; out != want {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCounterReplyErrorSurfaces(t *testing.T) {
	url := startNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	_, err = nc.Subscribe(protocol.SubjectCounterState, func(msg *nats.Msg) {
		reply, _ := json.Marshal(protocol.CounterReply{Error: "load counter radha: disk unavailable"})
		_ = msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = nc.Flush()

	if _, err := execute(t, "--server", url, "-d", "radha", "state"); err == nil || !strings.Contains(err.Error(), "disk unavailable") {
		t.Fatalf("expected reply error, got %v", err)
	}
}

func TestSayPublishesFinalTranscript(t *testing.T) {
	url := startNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = nc.Flush()

	if _, err := execute(t, "--server", url, "-d", "radha", "say", "jai", "jai", "ram", "krishna", "hari"); err != nil {
		t.Fatalf("say: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.SessionID != "radha" || tr.Text != "jai jai ram krishna hari" || tr.Partial {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestListenRejectsUnknownSwitch(t *testing.T) {
	if _, err := execute(t, "listen", "maybe"); err == nil {
		t.Fatal("expected error for unknown switch")
	}
	for in, want := range map[string]bool{"on": true, "OFF": false, "start": true} {
		got, err := parseSwitch(in)
		if err != nil || got != want {
			t.Fatalf("parseSwitch(%q) = %v %v", in, got, err)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version output %q %v", out, err)
	}
}
