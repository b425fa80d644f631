package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/spolepaka/mathraid/internal/errors"
	"github.com/spolepaka/mathraid/internal/id"
	"github.com/spolepaka/mathraid/internal/services/raid/domain"
	"github.com/spolepaka/mathraid/internal/services/raid/service"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxDisplayNameRunes = 64
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type connectPayload struct {
	LearnerID   string `json:"learner_id,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Cohort      int    `json:"cohort,omitempty"`
}

type startPayload struct {
	Track     string `json:"track"`
	Mode      string `json:"mode,omitempty"`
	RematchOf string `json:"rematch_of,omitempty"`
}

type joinPayload struct {
	SessionID string `json:"session_id"`
}

type answerPayload struct {
	ProblemID string `json:"problem_id"`
	Answer    int    `json:"answer"`
	LatencyMs int    `json:"latency_ms"`
}

type batchSubmitPayload struct {
	SessionID string                     `json:"session_id"`
	Token     string                     `json:"token"`
	Answers   []service.BatchAnswerInput `json:"answers"`
}

type cohortPayload struct {
	Cohort int `json:"cohort"`
}

type learnerView struct {
	LearnerID       string `json:"learner_id"`
	DisplayName     string `json:"display_name"`
	Cohort          int    `json:"cohort"`
	Attempts        int64  `json:"attempts"`
	Correct         int64  `json:"correct"`
	ActiveSessionID string `json:"active_session_id,omitempty"`
}

type connectedPayload struct {
	Learner     learnerView           `json:"learner"`
	Session     *service.SessionState `json:"session,omitempty"`
	ResumeToken string                `json:"resume_token,omitempty"`
}

func learnerToView(learner domain.Learner) learnerView {
	return learnerView{
		LearnerID:       learner.ID,
		DisplayName:     learner.DisplayName,
		Cohort:          learner.Cohort,
		Attempts:        learner.Attempts,
		Correct:         learner.Correct,
		ActiveSessionID: learner.ActiveSessionID,
	}
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsClient tracks which learner and session a socket speaks for. The session
// filter decides which pushed feed events this socket receives.
type wsClient struct {
	mu        sync.Mutex
	connID    string
	learnerID string
	sessionID string
	peer      *wsPeer
}

func newWSClient(connID string, peer *wsPeer) *wsClient {
	return &wsClient{connID: connID, peer: peer}
}

func (c *wsClient) setLearner(learnerID string) {
	c.mu.Lock()
	c.learnerID = learnerID
	c.mu.Unlock()
}

func (c *wsClient) currentLearnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.learnerID
}

func (c *wsClient) setSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *wsClient) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// NewHandler creates the raid transport routes around a running service.
func NewHandler(svc *service.Service, tokens *tokenIssuer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, svc, tokens)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, svc *service.Service, tokens *tokenIssuer) {
	defer func() {
		_ = conn.Close()
	}()

	connID, err := id.NewID()
	if err != nil {
		connID = fmt.Sprintf("conn_%d", time.Now().UnixNano())
	}

	decoder := json.NewDecoder(conn)
	client := newWSClient(connID, newWSPeer(json.NewEncoder(conn)))

	events, cancel := svc.Subscribe()
	forwarderDone := make(chan struct{})
	go forwardEvents(client, events, forwarderDone)
	defer func() { <-forwarderDone }()
	defer cancel()

	defer func() {
		if client.currentLearnerID() != "" {
			svc.Disconnect(context.Background(), connID)
		}
	}()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(client.peer, "", string(apperrors.CodeUnknown), "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "payload too large", false)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "rate limit exceeded", true)
			return
		}

		switch frame.Type {
		case "raid.connect":
			handleConnectFrame(ctx, client, svc, tokens, frame)
		case "raid.start":
			handleStartFrame(ctx, client, svc, frame)
		case "raid.join":
			handleJoinFrame(ctx, client, svc, frame)
		case "raid.answer":
			handleAnswerFrame(ctx, client, svc, frame)
		case "raid.next":
			handleNextFrame(ctx, client, svc, frame)
		case "raid.batch.submit":
			handleBatchSubmitFrame(ctx, client, svc, frame)
		case "raid.cohort":
			handleCohortFrame(ctx, client, svc, frame)
		default:
			_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "unsupported frame type", false)
		}
	}
}

// forwardEvents pushes feed events for the socket's current session. The feed
// carries every session; the filter keeps each socket on its own raid.
func forwardEvents(client *wsClient, events <-chan service.Event, done chan<- struct{}) {
	defer close(done)
	for event := range events {
		if event.SessionID == "" || event.SessionID != client.currentSessionID() {
			continue
		}
		_ = client.peer.writeFrame(wsFrame{
			Type:    string(event.Type),
			Payload: mustJSON(event.Payload),
		})
	}
}

func handleConnectFrame(ctx context.Context, client *wsClient, svc *service.Service, tokens *tokenIssuer, frame wsFrame) {
	var payload connectPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "invalid connect payload", false)
		return
	}

	learnerID := strings.TrimSpace(payload.LearnerID)
	if token := strings.TrimSpace(payload.ResumeToken); token != "" {
		resolved, err := tokens.Verify(token)
		if err != nil {
			writeWSServiceError(client.peer, frame.RequestID, err)
			return
		}
		learnerID = resolved
	}

	displayName := strings.TrimSpace(payload.DisplayName)
	if len([]rune(displayName)) > maxDisplayNameRunes {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "display_name is too long", false)
		return
	}

	result, err := svc.Connect(ctx, service.ConnectInput{
		ConnID:      client.connID,
		LearnerID:   learnerID,
		DisplayName: displayName,
		Cohort:      payload.Cohort,
	})
	if err != nil {
		writeWSServiceError(client.peer, frame.RequestID, err)
		return
	}

	client.setLearner(result.Learner.ID)
	if result.Session != nil {
		client.setSession(result.Session.SessionID)
	}

	reply := connectedPayload{
		Learner: learnerToView(result.Learner),
		Session: result.Session,
	}
	if tokens != nil {
		token, err := tokens.Mint(result.Learner.ID)
		if err != nil {
			log.Printf("raid: mint resume token learner=%s err=%v", result.Learner.ID, err)
		} else {
			reply.ResumeToken = token
		}
	}
	_ = client.peer.writeFrame(wsFrame{
		Type:      "raid.connected",
		RequestID: frame.RequestID,
		Payload:   mustJSON(reply),
	})
}

func handleStartFrame(ctx context.Context, client *wsClient, svc *service.Service, frame wsFrame) {
	learnerID := client.currentLearnerID()
	if learnerID == "" {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeIdentityUnresolved), "connect before starting a session", false)
		return
	}

	var payload startPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "invalid start payload", false)
		return
	}

	result, err := svc.StartSession(ctx, service.StartInput{
		LearnerID: learnerID,
		Track:     payload.Track,
		Mode:      payload.Mode,
		RematchOf: payload.RematchOf,
	})
	if err != nil {
		writeWSServiceError(client.peer, frame.RequestID, err)
		return
	}

	client.setSession(result.Session.SessionID)
	_ = client.peer.writeFrame(wsFrame{
		Type:      "raid.started",
		RequestID: frame.RequestID,
		Payload:   mustJSON(result),
	})
}

func handleJoinFrame(ctx context.Context, client *wsClient, svc *service.Service, frame wsFrame) {
	learnerID := client.currentLearnerID()
	if learnerID == "" {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeIdentityUnresolved), "connect before joining a session", false)
		return
	}

	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "invalid join payload", false)
		return
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "session_id is required", false)
		return
	}

	result, err := svc.JoinSession(ctx, service.JoinInput{
		LearnerID: learnerID,
		SessionID: sessionID,
	})
	if err != nil {
		writeWSServiceError(client.peer, frame.RequestID, err)
		return
	}

	client.setSession(result.Session.SessionID)
	_ = client.peer.writeFrame(wsFrame{
		Type:      "raid.joined",
		RequestID: frame.RequestID,
		Payload:   mustJSON(result),
	})
}

func handleAnswerFrame(ctx context.Context, client *wsClient, svc *service.Service, frame wsFrame) {
	learnerID := client.currentLearnerID()
	if learnerID == "" {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeIdentityUnresolved), "connect before answering", false)
		return
	}

	var payload answerPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "invalid answer payload", false)
		return
	}

	result, err := svc.SubmitAnswer(ctx, service.AnswerInput{
		LearnerID: learnerID,
		ProblemID: strings.TrimSpace(payload.ProblemID),
		Answer:    payload.Answer,
		LatencyMs: payload.LatencyMs,
	})
	if err != nil {
		writeWSServiceError(client.peer, frame.RequestID, err)
		return
	}

	if result.State != domain.StateInProgress.String() {
		client.setSession("")
	}
	_ = client.peer.writeFrame(wsFrame{
		Type:      "raid.answered",
		RequestID: frame.RequestID,
		Payload:   mustJSON(result),
	})
}

func handleNextFrame(ctx context.Context, client *wsClient, svc *service.Service, frame wsFrame) {
	learnerID := client.currentLearnerID()
	if learnerID == "" {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeIdentityUnresolved), "connect before requesting a problem", false)
		return
	}

	problem, err := svc.NextProblem(ctx, learnerID)
	if err != nil {
		writeWSServiceError(client.peer, frame.RequestID, err)
		return
	}

	_ = client.peer.writeFrame(wsFrame{
		Type:      "raid.problem",
		RequestID: frame.RequestID,
		Payload:   mustJSON(problem),
	})
}

func handleBatchSubmitFrame(ctx context.Context, client *wsClient, svc *service.Service, frame wsFrame) {
	learnerID := client.currentLearnerID()
	if learnerID == "" {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeIdentityUnresolved), "connect before submitting a batch", false)
		return
	}

	var payload batchSubmitPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "invalid batch payload", false)
		return
	}

	result, err := svc.SubmitBatch(ctx, service.BatchInput{
		SessionID: strings.TrimSpace(payload.SessionID),
		LearnerID: learnerID,
		Token:     strings.TrimSpace(payload.Token),
		Answers:   payload.Answers,
	})
	if err != nil {
		writeWSServiceError(client.peer, frame.RequestID, err)
		return
	}

	if client.currentSessionID() == result.SessionID {
		client.setSession("")
	}
	_ = client.peer.writeFrame(wsFrame{
		Type:      "raid.batch.result",
		RequestID: frame.RequestID,
		Payload:   mustJSON(result),
	})
}

func handleCohortFrame(ctx context.Context, client *wsClient, svc *service.Service, frame wsFrame) {
	learnerID := client.currentLearnerID()
	if learnerID == "" {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeIdentityUnresolved), "connect before changing cohort", false)
		return
	}

	var payload cohortPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(client.peer, frame.RequestID, string(apperrors.CodeUnknown), "invalid cohort payload", false)
		return
	}

	learner, err := svc.SetLearnerCohort(ctx, learnerID, payload.Cohort)
	if err != nil {
		writeWSServiceError(client.peer, frame.RequestID, err)
		return
	}

	_ = client.peer.writeFrame(wsFrame{
		Type:      "raid.cohort",
		RequestID: frame.RequestID,
		Payload:   mustJSON(learnerToView(learner)),
	})
}

func writeWSServiceError(peer *wsPeer, requestID string, err error) {
	code := apperrors.GetCode(err)
	_ = writeWSError(peer, requestID, string(code), err.Error(), code.Retryable())
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, retryable bool) error {
	return peer.writeFrame(wsFrame{
		Type:      "raid.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
