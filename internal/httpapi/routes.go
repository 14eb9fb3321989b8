package httpapi

import (
	"net/http"
	"strings"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/exchange"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/dusk-indust/consensus/internal/wire"
	"github.com/gin-gonic/gin"
)

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api", s.auth())
	api.GET("/conversations", s.handleListConversations)
	api.POST("/conversations", s.handleCreateConversation)
	api.PATCH("/conversations/:id", s.handleRenameConversation)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)
	api.GET("/conversations/:id/messages", s.handleListMessages)
	api.POST("/conversations/:id/messages", s.handleCreateMessage)
	api.POST("/chat", s.handleChat(false))
	api.POST("/chat/consensus", s.handleChat(true))
	api.POST("/generate-title", s.handleGenerateTitle)
}

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.store.ListConversations(c.Request.Context(), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

type createConversationBody struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var body createConversationBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Title == "" || body.Model == "" {
		badRequest(c, "Missing required fields")
		return
	}
	conv, err := s.store.CreateConversation(c.Request.Context(), chat.Conversation{
		UserID: userID(c),
		Title:  body.Title,
		Model:  body.Model,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

type renameBody struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameConversation(c *gin.Context) {
	var body renameBody
	_ = c.ShouldBindJSON(&body)
	title := strings.TrimSpace(body.Title)
	if title == "" {
		badRequest(c, "Title cannot be empty")
		return
	}
	id := c.Param("id")
	conv, err := s.store.UpdateConversationTitle(c.Request.Context(), userID(c), id, title)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if v, ok := s.svc.View(id); ok {
		v.SetTitle(conv.Title)
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteConversation(c.Request.Context(), userID(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	s.svc.Forget(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.store.GetConversation(ctx, userID(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type createMessageBody struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

func (s *Server) handleCreateMessage(c *gin.Context) {
	var body createMessageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Role == "" || body.Content == "" {
		badRequest(c, "Role and content are required")
		return
	}
	if !body.Role.Valid() {
		badRequest(c, "Invalid role")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.store.GetConversation(ctx, userID(c), id); err != nil {
		s.writeError(c, err)
		return
	}
	msg, err := s.store.CreateMessage(ctx, chat.Message{ConversationID: id, Role: body.Role, Content: body.Content})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// handleChat streams one exchange as Server-Sent Events. Failures that
// happen before the first event are answered with a plain JSON error.
func (s *Server) handleChat(consensus bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req exchange.DispatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
		if consensus {
			req.Consensus = true
		}
		logger := observability.FromContext(c.Request.Context(), s.logger)

		w := wire.NewWriter(c.Writer)
		started := false
		sink := func(ev wire.Event) {
			if !started {
				w.Init()
				started = true
			}
			if err := w.WriteEvent(ev); err != nil {
				logger.Debug("event write failed", "error", err)
			}
		}

		_, err := s.svc.Dispatch(c.Request.Context(), userID(c), req, sink)
		if !started {
			if err != nil {
				s.writeError(c, err)
				return
			}
			w.Init()
		}
		if err := w.Done(); err != nil {
			logger.Debug("event write failed", "error", err)
		}
	}
}

type generateTitleBody struct {
	UserMessage       string `json:"userMessage"`
	AssistantResponse string `json:"assistantResponse"`
	ConversationID    string `json:"conversationId"`
}

func (s *Server) handleGenerateTitle(c *gin.Context) {
	var body generateTitleBody
	if err := c.ShouldBindJSON(&body); err != nil || body.UserMessage == "" || body.ConversationID == "" {
		badRequest(c, "Missing required fields")
		return
	}
	conv, err := s.svc.GenerateTitle(c.Request.Context(), userID(c), body.ConversationID, body.UserMessage, body.AssistantResponse)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": conv.Title, "conversation": conv})
}
