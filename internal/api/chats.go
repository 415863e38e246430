package api

import (
	"fmt"
	"net/http"
	"strconv"

	"realtime_chat/internal/blob"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		s.abort(c, fmt.Errorf("%w: invalid %s", domain.ErrValidation, name))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.abort(c, fmt.Errorf("%w: invalid json", domain.ErrValidation))
		return false
	}
	return true
}

func (s *Server) handleListChats(c *gin.Context) {
	chats, err := s.deps.Chats.ListChats(c.Request.Context(), identityFrom(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "chats": chats})
}

func (s *Server) handleListGroups(c *gin.Context) {
	groups, err := s.deps.Chats.ListGroups(c.Request.Context(), identityFrom(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "groups": groups})
}

func (s *Server) handleGetChat(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	chat, err := s.deps.Chats.GetChat(c.Request.Context(), identityFrom(c), chatID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "chat": chat})
}

func (s *Server) handleMessages(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	page := 1
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.abort(c, fmt.Errorf("%w: invalid page", domain.ErrValidation))
			return
		}
		page = n
	}

	messages, totalPages, err := s.deps.Chats.Messages(c.Request.Context(), identityFrom(c), chatID, page)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": messages, "totalPages": totalPages})
}

// handleAttachments sends a message carrying uploaded files. It goes through
// the same ingestion path as websocket messages.
func (s *Server) handleAttachments(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		s.abort(c, fmt.Errorf("%w: expected multipart form", domain.ErrValidation))
		return
	}
	files := form.File["files"]
	if len(files) < 1 {
		s.abort(c, fmt.Errorf("%w: please attach files", domain.ErrValidation))
		return
	}
	if len(files) > realtime.MaxAttachments {
		s.abort(c, fmt.Errorf("%w: you can attach max %d files", domain.ErrValidation, realtime.MaxAttachments))
		return
	}

	uploads := make([]blob.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			s.abort(c, fmt.Errorf("%w: unreadable file %s", domain.ErrValidation, fh.Filename))
			return
		}
		defer f.Close()
		uploads = append(uploads, blob.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		})
	}

	msg, err := s.deps.Messages.Send(c.Request.Context(), identityFrom(c), realtime.SendRequest{
		ChatID:      chatID,
		Content:     c.PostForm("content"),
		Attachments: uploads,
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

type createGroupRequest struct {
	Name         string      `json:"name"`
	OtherMembers []uuid.UUID `json:"otherMembers"`
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	var req createGroupRequest
	if !s.bind(c, &req) {
		return
	}
	chat, err := s.deps.Chats.CreateGroup(c.Request.Context(), identityFrom(c), req.Name, req.OtherMembers)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Group chat created successfully", "chat": chat})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameGroup(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req renameRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.deps.Chats.RenameGroup(c.Request.Context(), identityFrom(c), chatID, req.Name); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Group name changed successfully"})
}

func (s *Server) handleDeleteChat(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	if err := s.deps.Chats.DeleteChat(c.Request.Context(), identityFrom(c), chatID); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Chat deleted successfully"})
}

type membersRequest struct {
	Members []uuid.UUID `json:"members"`
}

func (s *Server) handleAddMembers(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req membersRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.deps.Chats.AddMembers(c.Request.Context(), identityFrom(c), chatID, req.Members); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Members added successfully"})
}

func (s *Server) handleRemoveMember(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := s.pathID(c, "userId")
	if !ok {
		return
	}
	if err := s.deps.Chats.RemoveMember(c.Request.Context(), identityFrom(c), chatID, userID); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Member removed successfully"})
}

func (s *Server) handleLeaveGroup(c *gin.Context) {
	chatID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	if err := s.deps.Chats.LeaveGroup(c.Request.Context(), identityFrom(c), chatID); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Left group successfully"})
}

type sendRequestBody struct {
	UserID uuid.UUID `json:"userId"`
}

func (s *Server) handleSendRequest(c *gin.Context) {
	var req sendRequestBody
	if !s.bind(c, &req) {
		return
	}
	fr, err := s.deps.Chats.SendFriendRequest(c.Request.Context(), identityFrom(c), req.UserID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Friend request sent", "request": fr})
}

type respondRequestBody struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleRespondRequest(c *gin.Context) {
	requestID, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req respondRequestBody
	if !s.bind(c, &req) {
		return
	}
	chat, err := s.deps.Chats.RespondFriendRequest(c.Request.Context(), identityFrom(c), requestID, req.Accept)
	if err != nil {
		s.abort(c, err)
		return
	}
	if !req.Accept {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Friend request rejected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Friend request accepted", "chat": chat})
}
