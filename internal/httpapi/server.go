// Package httpapi exposes the relay over HTTP. Agents authenticate with the
// API key issued at registration, passed as X-API-Key or the api_key query
// parameter.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/voidworks/void-relay/internal/profile"
	"github.com/voidworks/void-relay/internal/relay"
	"github.com/voidworks/void-relay/internal/sheet"
)

type Server struct {
	store    relay.API
	delivery *relay.Delivery
	profiles *profile.Service
	pdf      *sheet.PDFRenderer
	logger   *log.Logger
}

type Config struct {
	Store    relay.API
	Delivery *relay.Delivery
	Profiles *profile.Service
	PDF      *sheet.PDFRenderer
	Logger   *log.Logger
}

func NewServer(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "httpapi ", log.LstdFlags)
	}
	s := &Server{
		store:    cfg.Store,
		delivery: cfg.Delivery,
		profiles: cfg.Profiles,
		pdf:      cfg.PDF,
		logger:   logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents/register", s.handleRegister)
	mux.HandleFunc("/v1/agents/info", s.handleAgentInfo)
	mux.HandleFunc("/v1/messages/send", s.handleSend)
	mux.HandleFunc("/v1/messages/respond", s.handleRespond)
	mux.HandleFunc("/v1/messages/ignore", s.handleIgnore)
	mux.HandleFunc("/v1/inbox", s.handleInbox)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/conversations/archive", s.handleArchive)
	mux.HandleFunc("/v1/characters/", s.handleCharacters)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, err error) {
	var re *relay.Error
	if errors.As(err, &re) {
		writeJSON(w, re.Status, map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    re.Code,
				"message": re.Message,
			},
		})
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    relay.CodeInternal,
			"message": err.Error(),
		},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func decodeJSONBytes(blob []byte, dst any) error {
	return json.Unmarshal(blob, dst)
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func parseBool(value string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && v
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// authenticate resolves the request's API key to a username.
func (s *Server) authenticate(r *http.Request) (string, error) {
	apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.URL.Query().Get("api_key"))
	}
	return s.store.VerifyCredential(apiKey)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, err.Error()))
		return
	}
	var req struct {
		Username    string `json:"username"`
		Description string `json:"agent_description"`
		WalletRef   string `json:"wallet_address"`
	}
	if err := decodeJSONBytes(blob, &req); err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "invalid JSON body"))
		return
	}

	apiKey, err := s.store.Register(relay.RegisterInput{
		Username:    req.Username,
		Description: req.Description,
		WalletRef:   req.WalletRef,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"username": strings.TrimSpace(req.Username),
		"api_key":  apiKey,
	})
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	requester, err := s.authenticate(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		username = requester
	}
	agent, err := s.store.AgentByUsername(username)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "agent": agent})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	sender, err := s.authenticate(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, err.Error()))
		return
	}
	var req struct {
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}
	if err := decodeJSONBytes(blob, &req); err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "invalid JSON body"))
		return
	}

	result, err := s.delivery.Send(r.Context(), sender, strings.TrimSpace(req.Recipient), req.Message)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	payload := map[string]any{
		"ok":              true,
		"message_id":      result.MessageID,
		"conversation_id": result.ConversationID,
	}
	if result.Reply != "" {
		payload["reply"] = result.Reply
	}
	writeJSON(w, 200, payload)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	responder, err := s.authenticate(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, err.Error()))
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
		Response  string `json:"response"`
	}
	if err := decodeJSONBytes(blob, &req); err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "message_id is required"))
		return
	}

	result, err := s.delivery.Respond(r.Context(), responder, req.MessageID, req.Response)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	payload := map[string]any{
		"ok":              true,
		"message_id":      result.MessageID,
		"conversation_id": result.ConversationID,
	}
	if result.Reply != "" {
		payload["reply"] = result.Reply
	}
	writeJSON(w, 200, payload)
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	username, err := s.authenticate(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, err.Error()))
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSONBytes(blob, &req); err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "message_id is required"))
		return
	}

	if err := s.delivery.Ignore(r.Context(), username, req.MessageID, req.Reason); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	username, err := s.authenticate(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	view, err := s.store.Inbox(username, relay.InboxOptions{
		IncludeRead:    parseBool(r.URL.Query().Get("include_read")),
		Limit:          parseInt(r.URL.Query().Get("limit"), 0),
		FilterBySender: strings.TrimSpace(r.URL.Query().Get("filter_by_sender")),
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":           true,
		"unread_count": view.UnreadCount,
		"total_count":  view.TotalCount,
		"messages":     view.Messages,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	username, err := s.authenticate(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	other := strings.TrimSpace(r.URL.Query().Get("conversation_with"))
	if other == "" {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "conversation_with is required"))
		return
	}
	view, err := s.store.History(username, other, parseInt(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":              true,
		"conversation_id": view.ConversationID,
		"with_agent":      view.WithAgent,
		"messages":        view.Messages,
		"has_more":        view.HasMore,
		"total_messages":  view.TotalMessages,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	username, err := s.authenticate(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, err.Error()))
		return
	}
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decodeJSONBytes(blob, &req); err != nil {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeAPIError(w, relay.NewError(relay.CodeValidation, "conversation_id is required"))
		return
	}

	if err := s.store.ArchiveConversation(req.ConversationID, username); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

// handleCharacters serves /v1/characters/{username} and
// /v1/characters/{username}/sheet.
func (s *Server) handleCharacters(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	if _, err := s.authenticate(r); err != nil {
		writeAPIError(w, err)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/characters/"), "/")
	username := path
	wantSheet := false
	if strings.HasSuffix(path, "/sheet") {
		username = strings.TrimSuffix(path, "/sheet")
		wantSheet = true
	}
	if username == "" || strings.Contains(username, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	p, err := s.profiles.ByAgent(username)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if !wantSheet {
		writeJSON(w, 200, map[string]any{"ok": true, "profile": p})
		return
	}

	switch strings.TrimSpace(r.URL.Query().Get("format")) {
	case "", "html":
		doc, err := sheet.HTML(p)
		if err != nil {
			writeAPIError(w, relay.NewError(relay.CodeInternal, err.Error()))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(doc))
	case "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(sheet.Markdown(p)))
	case "pdf":
		if s.pdf == nil {
			writeAPIError(w, relay.NewError(relay.CodeValidation, "pdf rendering is not enabled"))
			return
		}
		blob, err := s.pdf.Render(r.Context(), p)
		if err != nil {
			s.logger.Printf("sheet pdf for %s failed: %v", username, err)
			writeAPIError(w, relay.NewError(relay.CodeInternal, "sheet rendering failed"))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(blob)
	default:
		writeAPIError(w, relay.NewError(relay.CodeValidation, "format must be html, md or pdf"))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, s.store.Health())
}
