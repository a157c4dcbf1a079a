package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sittitep/tradetalk/store"
	"github.com/sittitep/tradetalk/wire"
)

type createMessageRequest struct {
	Content string `json:"content"`
	TempID  string `json:"temp_id,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (a *Api) createMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req createMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := a.chats.CreateMessage(r.Context(), store.MessageCreateInput{
		RoomID:   chi.URLParam(r, "roomID"),
		AuthorID: claims.UserID,
		Content:  req.Content,
		TempID:   req.TempID,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *Api) getRoomMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = t
	}
	msgs, err := a.chats.GetRoomMessages(r.Context(), chi.URLParam(r, "roomID"), limit, before)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []wire.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *Api) updateMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req editMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := a.chats.UpdateMessage(r.Context(), chi.URLParam(r, "messageID"), claims.UserID, req.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *Api) deleteMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err := a.chats.DeleteMessage(r.Context(), chi.URLParam(r, "messageID"), claims.UserID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) pinMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := a.chats.SetMessagePinned(r.Context(), chi.URLParam(r, "messageID"), true)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *Api) unpinMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := a.chats.SetMessagePinned(r.Context(), chi.URLParam(r, "messageID"), false)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *Api) addReaction(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req reactionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := a.chats.AddReaction(r.Context(), chi.URLParam(r, "messageID"), claims.UserID, req.Emoji)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *Api) removeReaction(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	msg, err := a.chats.RemoveReaction(r.Context(), chi.URLParam(r, "messageID"), claims.UserID, chi.URLParam(r, "emoji"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *Api) createReceipt(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	receipt, err := a.chats.MarkMessageRead(r.Context(), chi.URLParam(r, "messageID"), claims.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (a *Api) getReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := a.chats.GetMessageReceipts(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (a *Api) getNotifications(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := a.notifications.GetUserNotifications(r.Context(), claims.UserID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
