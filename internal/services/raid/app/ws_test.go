package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/net/websocket"

	"github.com/spolepaka/mathraid/internal/services/raid/content"
	"github.com/spolepaka/mathraid/internal/services/raid/service"
	raidsqlite "github.com/spolepaka/mathraid/internal/services/raid/storage/sqlite"
)

func newTestHandler(t *testing.T, cfg service.Config) http.Handler {
	t.Helper()

	store, err := raidsqlite.Open(filepath.Join(t.TempDir(), "raid.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := service.NewService(service.NewServiceInput{
		Store:   store,
		Catalog: content.Build(),
		Config:  cfg,
	})
	t.Cleanup(svc.Stop)

	return NewHandler(svc, newTokenIssuer("ws-test-secret", 0, nil))
}

func dialWS(t *testing.T, handler http.Handler) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame := wsFrame{Type: frameType, RequestID: "req-" + frameType, Payload: raw}
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

// readFrameOfType skips pushed feed frames until the wanted reply arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) wsFrame {
	t.Helper()
	decoder := json.NewDecoder(conn)
	for i := 0; i < 50; i++ {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame after 50 frames", frameType)
	return wsFrame{}
}

func decodePayload(t *testing.T, frame wsFrame, target any) {
	t.Helper()
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
}

func connectWS(t *testing.T, conn *websocket.Conn, displayName string) connectedPayload {
	t.Helper()
	writeFrame(t, conn, "raid.connect", connectPayload{DisplayName: displayName})
	var connected connectedPayload
	decodePayload(t, readFrameOfType(t, conn, "raid.connected"), &connected)
	return connected
}

func solveWSPrompt(t *testing.T, prompt string) int {
	t.Helper()
	parts := strings.Fields(prompt)
	if len(parts) != 3 {
		t.Fatalf("unexpected prompt %q", prompt)
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[2])
	if errA != nil || errB != nil {
		t.Fatalf("unexpected prompt operands %q", prompt)
	}
	switch parts[1] {
	case "+":
		return a + b
	case "-":
		return a - b
	case "x":
		return a * b
	case "/":
		return a / b
	default:
		t.Fatalf("unexpected prompt operator %q", prompt)
		return 0
	}
}

func TestUpEndpoint(t *testing.T) {
	handler := newTestHandler(t, service.Config{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/up", nil)
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if strings.TrimSpace(rr.Body.String()) != "OK" {
		t.Fatalf("body = %q, want OK", rr.Body.String())
	}
}

func TestWSEndpointRequiresGet(t *testing.T) {
	handler := newTestHandler(t, service.Config{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ws", nil)
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestConnectReturnsLearnerAndResumeToken(t *testing.T) {
	conn := dialWS(t, newTestHandler(t, service.Config{}))

	connected := connectWS(t, conn, "Ada")

	if connected.Learner.LearnerID == "" {
		t.Fatal("expected a learner id")
	}
	if connected.Learner.DisplayName != "Ada" {
		t.Fatalf("display name = %q, want Ada", connected.Learner.DisplayName)
	}
	if connected.ResumeToken == "" {
		t.Fatal("expected a resume token")
	}
	if connected.Session != nil {
		t.Fatal("fresh learner should have no session to resume")
	}
}

func TestStartBeforeConnectIsRejected(t *testing.T) {
	conn := dialWS(t, newTestHandler(t, service.Config{}))

	writeFrame(t, conn, "raid.start", startPayload{Track: "addition"})

	var envelope wsErrorEnvelope
	decodePayload(t, readFrameOfType(t, conn, "raid.error"), &envelope)
	if envelope.Error.Code != "IDENTITY_UNRESOLVED" {
		t.Fatalf("error code = %q, want IDENTITY_UNRESOLVED", envelope.Error.Code)
	}
}

func TestLiveAnswerFlowOverWS(t *testing.T) {
	conn := dialWS(t, newTestHandler(t, service.Config{Capacity: 140}))
	connectWS(t, conn, "Grace")

	writeFrame(t, conn, "raid.start", startPayload{Track: "addition"})
	var started service.StartResult
	decodePayload(t, readFrameOfType(t, conn, "raid.started"), &started)

	if started.Problem == nil {
		t.Fatal("live start should serve a problem")
	}
	if started.Session.Capacity != 140 {
		t.Fatalf("capacity = %d, want 140", started.Session.Capacity)
	}

	writeFrame(t, conn, "raid.answer", answerPayload{
		ProblemID: started.Problem.ID,
		Answer:    solveWSPrompt(t, started.Problem.Prompt),
		LatencyMs: 1200,
	})
	var answered service.AnswerResult
	decodePayload(t, readFrameOfType(t, conn, "raid.answered"), &answered)

	if !answered.Correct {
		t.Fatal("expected a correct grade for the solved prompt")
	}
	if answered.Damage < 50 {
		t.Fatalf("damage = %d, want at least 50", answered.Damage)
	}

	writeFrame(t, conn, "raid.next", struct{}{})
	var problem service.ProblemView
	decodePayload(t, readFrameOfType(t, conn, "raid.problem"), &problem)
	if problem.ID == "" || problem.Prompt == "" {
		t.Fatalf("next problem = %+v, want a served item", problem)
	}
}

func TestProgressEventsArePushed(t *testing.T) {
	conn := dialWS(t, newTestHandler(t, service.Config{}))
	connectWS(t, conn, "Katherine")

	writeFrame(t, conn, "raid.start", startPayload{Track: "addition"})
	var started service.StartResult
	decodePayload(t, readFrameOfType(t, conn, "raid.started"), &started)

	writeFrame(t, conn, "raid.answer", answerPayload{
		ProblemID: started.Problem.ID,
		Answer:    solveWSPrompt(t, started.Problem.Prompt),
		LatencyMs: 1500,
	})

	var progress service.ProgressPayload
	decodePayload(t, readFrameOfType(t, conn, "raid.progress"), &progress)
	if progress.Damage < 50 {
		t.Fatalf("pushed damage = %d, want at least 50", progress.Damage)
	}
}

func TestBatchFlowOverWS(t *testing.T) {
	conn := dialWS(t, newTestHandler(t, service.Config{Capacity: 900, BatchSize: 20}))
	connectWS(t, conn, "Dorothy")

	writeFrame(t, conn, "raid.start", startPayload{Track: "mixed", Mode: "batch"})
	var started service.StartResult
	decodePayload(t, readFrameOfType(t, conn, "raid.started"), &started)

	if len(started.Items) != 20 {
		t.Fatalf("items = %d, want 20", len(started.Items))
	}
	if started.IdempotencyToken == "" {
		t.Fatal("batch start should mint an idempotency token")
	}

	answers := make([]service.BatchAnswerInput, 0, len(started.Items))
	for _, item := range started.Items {
		answers = append(answers, service.BatchAnswerInput{
			ProblemID: item.ID,
			Answer:    solveWSPrompt(t, item.Prompt),
			LatencyMs: 1000,
		})
	}
	writeFrame(t, conn, "raid.batch.submit", batchSubmitPayload{
		SessionID: started.Session.SessionID,
		Token:     started.IdempotencyToken,
		Answers:   answers,
	})

	var result service.BatchResult
	decodePayload(t, readFrameOfType(t, conn, "raid.batch.result"), &result)
	if result.Outcome != "victory" {
		t.Fatalf("outcome = %q, want victory", result.Outcome)
	}
	if result.Replayed {
		t.Fatal("first submission must not be a replay")
	}
}

func TestUnsupportedFrameTypeGetsErrorEnvelope(t *testing.T) {
	conn := dialWS(t, newTestHandler(t, service.Config{}))

	writeFrame(t, conn, "raid.unknown", struct{}{})

	var envelope wsErrorEnvelope
	decodePayload(t, readFrameOfType(t, conn, "raid.error"), &envelope)
	if envelope.Error.Message != "unsupported frame type" {
		t.Fatalf("error message = %q", envelope.Error.Message)
	}
}
